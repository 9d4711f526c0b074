package watermark

import (
	"errors"
	"sync"
	"time"
)

// ErrZeroTime is returned when a watermark is advanced to the zero time.
var ErrZeroTime = errors.New("watermark: zero time")

// State 水位快照
type State struct {
	UpdatesLatestCovered time.Time `json:"updatesLatestCovered"`
	DeletesLatestCovered time.Time `json:"deletesLatestCovered"`
}

// SafeStart is the earliest instant not yet confirmed covered by both channels.
func (s State) SafeStart() time.Time {
	if s.UpdatesLatestCovered.Before(s.DeletesLatestCovered) {
		return s.UpdatesLatestCovered
	}
	return s.DeletesLatestCovered
}

// Tracker holds the last-covered time of the update and delete channels.
// Each field moves only through its own Advance call; callers pass the time
// their scan was issued.
type Tracker struct {
	mu    sync.RWMutex
	state State
}

// NewTracker seeds both watermarks with the initial observation time.
func NewTracker(initial time.Time) *Tracker {
	return &Tracker{
		state: State{
			UpdatesLatestCovered: initial,
			DeletesLatestCovered: initial,
		},
	}
}

// AdvanceUpdates sets the update watermark.
func (t *Tracker) AdvanceUpdates(at time.Time) error {
	if at.IsZero() {
		return ErrZeroTime
	}
	t.mu.Lock()
	t.state.UpdatesLatestCovered = at
	t.mu.Unlock()
	return nil
}

// AdvanceDeletes sets the delete watermark.
func (t *Tracker) AdvanceDeletes(at time.Time) error {
	if at.IsZero() {
		return ErrZeroTime
	}
	t.mu.Lock()
	t.state.DeletesLatestCovered = at
	t.mu.Unlock()
	return nil
}

// SafeStart returns min(updates, deletes).
func (t *Tracker) SafeStart() time.Time {
	return t.Snapshot().SafeStart()
}

func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}
