package api

import (
	"net/http"
	"strings"

	"github.com/dj-oyu/detection-stream-server/internal/store"
)

func (s *Server) page(w http.ResponseWriter, r *http.Request) (skip, limit int, ok bool) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	limit, err = queryInt(r, "limit", store.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return 0, 0, false
	}
	return skip, limit, true
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := s.page(w, r)
	if !ok {
		return
	}
	cams, err := s.records.ListCameras(r.Context(), skip, limit)
	if err != nil {
		writeStoreError(w, err, "")
		return
	}
	writeJSON(w, cams)
}

func (s *Server) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var in store.CameraInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	cam, err := s.records.CreateCamera(r.Context(), in)
	if err != nil {
		writeStoreError(w, err, "")
		return
	}
	writeJSONWithStatus(w, cam, http.StatusCreated)
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cam, err := s.records.GetCamera(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "Camera not found")
		return
	}
	writeJSON(w, cam)
}

func (s *Server) handleUpdateCamera(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var up store.CameraUpdate
	if err := decodeJSON(w, r, &up); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if up.Name != nil && strings.TrimSpace(*up.Name) == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty")
		return
	}
	cam, err := s.records.UpdateCamera(r.Context(), id, up)
	if err != nil {
		writeStoreError(w, err, "Camera not found")
		return
	}
	writeJSON(w, cam)
}

func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.records.DeleteCamera(r.Context(), id); err != nil {
		writeStoreError(w, err, "Camera not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := s.page(w, r)
	if !ok {
		return
	}
	users, err := s.records.ListUsers(r.Context(), skip, limit)
	if err != nil {
		writeStoreError(w, err, "")
		return
	}
	writeJSON(w, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in store.UserInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in.Email = strings.TrimSpace(in.Email)
	if at := strings.Index(in.Email, "@"); at < 1 || at == len(in.Email)-1 {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	user, err := s.records.CreateUser(r.Context(), in)
	if err != nil {
		writeStoreError(w, err, "")
		return
	}
	writeJSONWithStatus(w, user, http.StatusCreated)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.records.GetUser(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "User not found")
		return
	}
	writeJSON(w, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.records.DeleteUser(r.Context(), id); err != nil {
		writeStoreError(w, err, "User not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
