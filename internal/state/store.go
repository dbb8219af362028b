// Package state owns the single published view of the device.
//
// Every writer (the sync loop and the command dispatcher) goes through
// Store.Update, which runs under one lock and swaps in a whole new State.
// Readers and subscribers only ever see complete states.
package state

import (
	"errors"
	"sync"
	"time"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
)

// ErrNoChange can be returned from an Update function to abort without
// publishing and without reporting an error to the caller.
var ErrNoChange = errors.New("no change")

// State is the published view of the device.
type State struct {
	Snapshot     models.StateSnapshot      `json:"snapshot"`
	Events       []models.EventRecord      `json:"events"`
	Alerts       models.AlertSet           `json:"alerts"`
	Connectivity models.ConnectivityStatus `json:"connectivity"`
	Mode         models.OperatingMode      `json:"mode"`
	// Pending is true while a pump command is in flight and Snapshot.Pump
	// holds the optimistic value.
	Pending bool `json:"pending"`
	// Synced is false until the first successful poll.
	Synced    bool      `json:"synced"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Snapshot = s.Snapshot.Clone()
	if s.Events != nil {
		out.Events = make([]models.EventRecord, len(s.Events))
		copy(out.Events, s.Events)
	}
	if s.Connectivity.LastSuccessAt != nil {
		t := *s.Connectivity.LastSuccessAt
		out.Connectivity.LastSuccessAt = &t
	}
	if s.Connectivity.LastAttemptAt != nil {
		t := *s.Connectivity.LastAttemptAt
		out.Connectivity.LastAttemptAt = &t
	}
	return out
}

// Stale reports whether the last successful poll is older than maxAge.
// A store that has never synced is stale.
func (s State) Stale(now time.Time, maxAge time.Duration) bool {
	if s.Connectivity.LastSuccessAt == nil {
		return true
	}
	if maxAge <= 0 {
		return false
	}
	return now.Sub(*s.Connectivity.LastSuccessAt) > maxAge
}

// Store holds the current State and fans updates out to subscribers.
type Store struct {
	mu     sync.Mutex
	state  State
	now    func() time.Time
	nextID int
	subs   map[int]chan State
}

// NewStore creates a store in the given operating mode.
func NewStore(mode models.OperatingMode) *Store {
	return &Store{
		state: State{Mode: mode, Events: []models.EventRecord{}},
		now:   time.Now,
		subs:  make(map[int]chan State),
	}
}

// Current returns a copy of the published state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Update is the single mutation entry point. fn receives a private copy of
// the current state; if it returns nil the copy replaces the published
// state and subscribers are notified. ErrNoChange discards the copy and
// makes Update return nil; any other error discards it and is returned.
func (s *Store) Update(fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	next.Version = s.state.Version + 1
	next.UpdatedAt = s.now()
	s.state = next
	s.broadcast(next)
	return nil
}

// Subscribe returns a channel that receives every published state. The
// channel holds one element and a slow reader only sees the newest state.
// The returned function unsubscribes and closes the channel.
func (s *Store) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan State, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// broadcast must be called with s.mu held.
func (s *Store) broadcast(st State) {
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st.Clone()
	}
}

// ApplyPoll publishes the result of a successful poll. While a command is
// pending the optimistic pump state is kept; all other fields are replaced.
func (s *Store) ApplyPoll(snapshot models.StateSnapshot, events []models.EventRecord, alerts models.AlertSet, at time.Time) error {
	return s.Update(func(st *State) error {
		next := snapshot.Clone()
		if st.Pending {
			next.Pump = st.Snapshot.Pump
		}
		st.Snapshot = next
		st.Events = make([]models.EventRecord, len(events))
		copy(st.Events, events)
		st.Alerts = alerts
		st.Synced = true

		t := at
		st.Connectivity = models.ConnectivityStatus{
			Connected:     true,
			LastSuccessAt: &t,
			LastAttemptAt: &t,
		}
		return nil
	})
}

// ApplyPollFailure records a failed poll. Snapshot, events and alerts keep
// their last known values.
func (s *Store) ApplyPollFailure(cause error, at time.Time) error {
	return s.Update(func(st *State) error {
		t := at
		msg := "unknown error"
		if cause != nil {
			msg = cause.Error()
		}
		st.Connectivity = models.ConnectivityStatus{
			Connected:           false,
			LastError:           msg,
			LastSuccessAt:       st.Connectivity.LastSuccessAt,
			LastAttemptAt:       &t,
			ConsecutiveFailures: st.Connectivity.ConsecutiveFailures + 1,
		}
		return nil
	})
}

// SetMode switches between auto and manual operation.
func (s *Store) SetMode(mode models.OperatingMode) error {
	return s.Update(func(st *State) error {
		if st.Mode == mode {
			return ErrNoChange
		}
		st.Mode = mode
		return nil
	})
}
