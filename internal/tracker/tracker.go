// Package tracker turns noisy per-frame detections into confirmed,
// cooldown-gated persistence batches.
//
// Each label carries a streak counter that grows while the label is present
// on consecutive inference ticks and resets on any tick without it. Once the
// streak reaches the confirmation threshold and the label's save cooldown has
// elapsed, the pending detections for that label are released as a confirmed
// batch and the streak starts over.
//
// A Tracker belongs to exactly one streaming session and is not safe for
// concurrent use.
package tracker

import (
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/dj-oyu/detection-stream-server/pkg/types"
)

// Config holds the confirmation parameters.
type Config struct {
	ConfirmationThreshold int
	SaveCooldown          time.Duration
	ExpiryWindow          time.Duration
}

// DefaultConfig returns threshold 3, cooldown 5s, expiry 30s.
func DefaultConfig() Config {
	return Config{
		ConfirmationThreshold: 3,
		SaveCooldown:          5 * time.Second,
		ExpiryWindow:          30 * time.Second,
	}
}

// LabelState is the per-label entry of the tracker table.
type LabelState struct {
	Count       int
	LastSavedAt time.Time // zero when never saved
	Pending     []types.Detection
}

func (s *LabelState) saved() bool { return !s.LastSavedAt.IsZero() }

// Result is the outcome of one Update call.
type Result struct {
	// Confirmed holds the detections released for persistence this tick,
	// grouped by label in lexical order.
	Confirmed []types.Detection
	// Detections echoes the filtered input for annotation and emission.
	Detections []types.Detection
}

// Tracker is the label -> state table.
type Tracker struct {
	cfg   Config
	table map[string]*LabelState
}

// New creates an empty tracker. A threshold below 1 is raised to 1.
func New(cfg Config) *Tracker {
	if cfg.ConfirmationThreshold < 1 {
		cfg.ConfirmationThreshold = 1
	}
	return &Tracker{
		cfg:   cfg,
		table: make(map[string]*LabelState),
	}
}

// Config returns the tracker parameters.
func (t *Tracker) Config() Config { return t.cfg }

// Update advances the state machine by one inference tick. The detections
// must already be filtered by the session's confidence threshold.
func (t *Tracker) Update(now time.Time, filtered []types.Detection) Result {
	current := make(map[string]struct{}, len(filtered))
	for _, d := range filtered {
		current[d.Label] = struct{}{}
	}

	for _, d := range filtered {
		st, ok := t.table[d.Label]
		if !ok {
			t.table[d.Label] = &LabelState{Count: 1, Pending: []types.Detection{d}}
			continue
		}
		st.Count++
		st.Pending = append(st.Pending, d)
		if over := len(st.Pending) - t.cfg.ConfirmationThreshold; over > 0 {
			st.Pending = slices.Clone(st.Pending[over:])
		}
	}

	var confirmed []types.Detection
	for _, label := range sortedKeys(current) {
		st := t.table[label]
		if st.Count < t.cfg.ConfirmationThreshold {
			continue
		}
		if st.saved() && now.Sub(st.LastSavedAt) < t.cfg.SaveCooldown {
			continue
		}
		confirmed = append(confirmed, st.Pending...)
		st.LastSavedAt = now
		st.Count = 0
		st.Pending = nil
	}

	for label, st := range t.table {
		if _, ok := current[label]; ok {
			continue
		}
		st.Count = 0
		st.Pending = nil
		// never-saved entries carry no cooldown and expire immediately
		if !st.saved() || now.Sub(st.LastSavedAt) > t.cfg.ExpiryWindow {
			delete(t.table, label)
		}
	}

	return Result{Confirmed: confirmed, Detections: filtered}
}

// State returns a copy of the entry for label.
func (t *Tracker) State(label string) (LabelState, bool) {
	st, ok := t.table[label]
	if !ok {
		return LabelState{}, false
	}
	cp := *st
	cp.Pending = slices.Clone(st.Pending)
	return cp, true
}

// Labels returns the tracked labels in lexical order.
func (t *Tracker) Labels() []string {
	return sortedKeys(t.table)
}

// Len returns the number of tracked labels.
func (t *Tracker) Len() int { return len(t.table) }

// Reset drops all state. Called when a session ends.
func (t *Tracker) Reset() {
	clear(t.table)
}

// FilterByConfidence keeps detections whose confidence is at least threshold.
func FilterByConfidence(dets []types.Detection, threshold float64) []types.Detection {
	return lo.Filter(dets, func(d types.Detection, _ int) bool {
		return d.Confidence >= threshold
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
