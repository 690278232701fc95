package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

// Camera is a registered video source.
type Camera struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	StreamURL string    `json:"stream_url,omitempty"`
	Location  string    `json:"location,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CameraInput creates a camera.
type CameraInput struct {
	Name      string `json:"name"`
	StreamURL string `json:"stream_url"`
	Location  string `json:"location"`
	IsActive  *bool  `json:"is_active"`
}

// CameraUpdate changes the non-nil fields of a camera.
type CameraUpdate struct {
	Name      *string `json:"name"`
	StreamURL *string `json:"stream_url"`
	Location  *string `json:"location"`
	IsActive  *bool   `json:"is_active"`
}

// User is an account that can own events.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserInput creates a user.
type UserInput struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	IsActive *bool  `json:"is_active"`
}

// Payload is the structured part of an event.
type Payload struct {
	BBox types.BBox `json:"bbox"`
}

// Event is a persisted detection.
type Event struct {
	ID         int64          `json:"id"`
	CameraID   *int64         `json:"camera_id"`
	UserID     *int64         `json:"user_id"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	ImagePath  string         `json:"image_path,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	CreatedAt  time.Time      `json:"created_at"`
}

// EventInput creates an event directly.
type EventInput struct {
	CameraID   *int64         `json:"camera_id"`
	UserID     *int64         `json:"user_id"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	ImagePath  string         `json:"image_path"`
	Payload    map[string]any `json:"payload"`
}

// EventFilter selects a page of events, newest first.
type EventFilter struct {
	CameraID *int64
	Skip     int
	Limit    int
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// --- cameras ---

const cameraColumns = "id, name, stream_url, location, is_active, created_at"

func scanCamera(stmt *sqlite.Stmt) Camera {
	return Camera{
		ID:        stmt.ColumnInt64(0),
		Name:      stmt.ColumnText(1),
		StreamURL: stmt.ColumnText(2),
		Location:  stmt.ColumnText(3),
		IsActive:  stmt.ColumnInt(4) != 0,
		CreatedAt: columnTime(stmt, 5),
	}
}

// CreateCamera inserts a camera.
func (s *Store) CreateCamera(ctx context.Context, in CameraInput) (Camera, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Camera{}, fmt.Errorf("store: create camera: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.now().UTC()
	err = sqlitex.Execute(conn,
		"INSERT INTO cameras (name, stream_url, location, is_active, created_at) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{in.Name, nullableText(in.StreamURL), nullableText(in.Location), boolOr(in.IsActive, true), formatTime(now)}})
	if err != nil {
		return Camera{}, fmt.Errorf("store: insert camera: %w", err)
	}
	return s.getCamera(conn, conn.LastInsertRowID())
}

// GetCamera returns ErrNotFound for an unknown id.
func (s *Store) GetCamera(ctx context.Context, id int64) (Camera, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Camera{}, fmt.Errorf("store: get camera: %w", err)
	}
	defer s.pool.Put(conn)
	return s.getCamera(conn, id)
}

func (s *Store) getCamera(conn *sqlite.Conn, id int64) (Camera, error) {
	var cam Camera
	found := false
	err := sqlitex.Execute(conn, "SELECT "+cameraColumns+" FROM cameras WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cam = scanCamera(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return Camera{}, fmt.Errorf("store: query camera %d: %w", id, err)
	}
	if !found {
		return Camera{}, fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	return cam, nil
}

// ListCameras returns cameras ordered by id.
func (s *Store) ListCameras(ctx context.Context, skip, limit int) ([]Camera, error) {
	skip, limit = normalizePage(skip, limit)
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list cameras: %w", err)
	}
	defer s.pool.Put(conn)

	cams := []Camera{}
	err = sqlitex.Execute(conn, "SELECT "+cameraColumns+" FROM cameras ORDER BY id LIMIT ? OFFSET ?", &sqlitex.ExecOptions{
		Args: []any{limit, skip},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			cams = append(cams, scanCamera(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query cameras: %w", err)
	}
	return cams, nil
}

// UpdateCamera applies the non-nil fields of up.
func (s *Store) UpdateCamera(ctx context.Context, id int64, up CameraUpdate) (Camera, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Camera{}, fmt.Errorf("store: update camera: %w", err)
	}
	defer s.pool.Put(conn)

	cam, err := s.getCamera(conn, id)
	if err != nil {
		return Camera{}, err
	}
	if up.Name != nil {
		cam.Name = *up.Name
	}
	if up.StreamURL != nil {
		cam.StreamURL = *up.StreamURL
	}
	if up.Location != nil {
		cam.Location = *up.Location
	}
	if up.IsActive != nil {
		cam.IsActive = *up.IsActive
	}
	err = sqlitex.Execute(conn,
		"UPDATE cameras SET name = ?, stream_url = ?, location = ?, is_active = ?, updated_at = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{cam.Name, nullableText(cam.StreamURL), nullableText(cam.Location), cam.IsActive, formatTime(s.now()), id}})
	if err != nil {
		return Camera{}, fmt.Errorf("store: update camera %d: %w", id, err)
	}
	return cam, nil
}

// DeleteCamera removes a camera. Its events keep their camera_id.
func (s *Store) DeleteCamera(ctx context.Context, id int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete camera: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM cameras WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("store: delete camera %d: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("camera %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- users ---

const userColumns = "id, email, full_name, is_active, created_at"

func scanUser(stmt *sqlite.Stmt) User {
	return User{
		ID:        stmt.ColumnInt64(0),
		Email:     stmt.ColumnText(1),
		FullName:  stmt.ColumnText(2),
		IsActive:  stmt.ColumnInt(3) != 0,
		CreatedAt: columnTime(stmt, 4),
	}
}

// CreateUser inserts a user. A duplicate email returns ErrConflict.
func (s *Store) CreateUser(ctx context.Context, in UserInput) (User, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return User{}, fmt.Errorf("store: create user: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO users (email, full_name, is_active, created_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{in.Email, nullableText(in.FullName), boolOr(in.IsActive, true), formatTime(s.now())}})
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("user %q: %w", in.Email, ErrConflict)
		}
		return User{}, fmt.Errorf("store: insert user: %w", err)
	}
	return s.getUser(conn, conn.LastInsertRowID())
}

// GetUser returns ErrNotFound for an unknown id.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return User{}, fmt.Errorf("store: get user: %w", err)
	}
	defer s.pool.Put(conn)
	return s.getUser(conn, id)
}

func (s *Store) getUser(conn *sqlite.Conn, id int64) (User, error) {
	var u User
	found := false
	err := sqlitex.Execute(conn, "SELECT "+userColumns+" FROM users WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			u = scanUser(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return User{}, fmt.Errorf("store: query user %d: %w", id, err)
	}
	if !found {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, nil
}

// ListUsers returns users ordered by id.
func (s *Store) ListUsers(ctx context.Context, skip, limit int) ([]User, error) {
	skip, limit = normalizePage(skip, limit)
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer s.pool.Put(conn)

	users := []User{}
	err = sqlitex.Execute(conn, "SELECT "+userColumns+" FROM users ORDER BY id LIMIT ? OFFSET ?", &sqlitex.ExecOptions{
		Args: []any{limit, skip},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			users = append(users, scanUser(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query users: %w", err)
	}
	return users, nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM users WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("store: delete user %d: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- events ---

const eventColumns = "id, camera_id, user_id, label, confidence, image_path, payload, occurred_at, created_at"

type eventRow struct {
	cameraID   *int64
	userID     *int64
	label      string
	confidence float64
	imagePath  string
	payload    string
	occurredAt time.Time
	createdAt  time.Time
}

func (s *Store) insertEvent(conn *sqlite.Conn, row eventRow) (int64, error) {
	var payload any
	if row.payload != "" {
		payload = row.payload
	}
	err := sqlitex.Execute(conn,
		"INSERT INTO events (camera_id, user_id, label, confidence, image_path, payload, occurred_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{
			nullableInt(row.cameraID),
			nullableInt(row.userID),
			row.label,
			row.confidence,
			nullableText(row.imagePath),
			payload,
			formatTime(row.occurredAt),
			formatTime(row.createdAt),
		}})
	if err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

func scanEvent(stmt *sqlite.Stmt) (Event, error) {
	ev := Event{
		ID:         stmt.ColumnInt64(0),
		CameraID:   columnIntPtr(stmt, 1),
		UserID:     columnIntPtr(stmt, 2),
		Label:      stmt.ColumnText(3),
		Confidence: stmt.ColumnFloat(4),
		ImagePath:  stmt.ColumnText(5),
		OccurredAt: columnTime(stmt, 7),
		CreatedAt:  columnTime(stmt, 8),
	}
	if stmt.ColumnType(6) != sqlite.TypeNull {
		if err := json.Unmarshal([]byte(stmt.ColumnText(6)), &ev.Payload); err != nil {
			return Event{}, fmt.Errorf("store: decode payload of event %d: %w", ev.ID, err)
		}
	}
	return ev, nil
}

// CreateEvent inserts one event outside of any batch.
func (s *Store) CreateEvent(ctx context.Context, in EventInput) (Event, error) {
	var payload string
	if in.Payload != nil {
		data, err := json.Marshal(in.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("store: encode payload: %w", err)
		}
		payload = string(data)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("store: create event: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.now()
	id, err := s.insertEvent(conn, eventRow{
		cameraID:   in.CameraID,
		userID:     in.UserID,
		label:      in.Label,
		confidence: in.Confidence,
		imagePath:  in.ImagePath,
		payload:    payload,
		occurredAt: now,
		createdAt:  now,
	})
	if err != nil {
		return Event{}, err
	}
	return s.getEvent(conn, id)
}

// GetEvent returns ErrNotFound for an unknown id.
func (s *Store) GetEvent(ctx context.Context, id int64) (Event, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("store: get event: %w", err)
	}
	defer s.pool.Put(conn)
	return s.getEvent(conn, id)
}

func (s *Store) getEvent(conn *sqlite.Conn, id int64) (Event, error) {
	var ev Event
	found := false
	err := sqlitex.Execute(conn, "SELECT "+eventColumns+" FROM events WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			ev, err = scanEvent(stmt)
			found = err == nil
			return err
		},
	})
	if err != nil {
		return Event{}, fmt.Errorf("store: query event %d: %w", id, err)
	}
	if !found {
		return Event{}, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return ev, nil
}

// ListEvents returns a page of events, newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]Event, error) {
	skip, limit := normalizePage(f.Skip, f.Limit)
	query := "SELECT " + eventColumns + " FROM events"
	args := []any{}
	if f.CameraID != nil {
		query += " WHERE camera_id = ?"
		args = append(args, *f.CameraID)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, skip)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer s.pool.Put(conn)

	events := []Event{}
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ev, err := scanEvent(stmt)
			if err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	return events, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	defer s.pool.Put(conn)

	var n int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}
