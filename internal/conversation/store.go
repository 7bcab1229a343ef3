package conversation

import (
	"sync"

	"github.com/treykane/ssh-bot/internal/model"
)

// Flow is a user's conversation state plus the scratch data of the flow in
// progress. Profile outlives flows so a later connect or monitoring setup can
// reuse it.
type Flow struct {
	State      State
	Profile    model.ConnectionProfile
	HasProfile bool

	// KeyPath is the staged private key awaiting its passphrase.
	KeyPath string
	// Available holds the metric names discovered for Profile.MonitoringPath.
	Available []string
	// Groups accumulates accepted metric groups until the user says no.
	Groups []model.MetricGroup
}

func (f Flow) clone() Flow {
	f.Available = append([]string(nil), f.Available...)
	f.Groups = append([]model.MetricGroup(nil), f.Groups...)
	return f
}

type entry struct {
	step sync.Mutex
	flow Flow
}

// Store keeps one Flow per user. Reads and writes are atomic per call; Lock
// additionally serializes whole conversation steps for one user.
type Store struct {
	mu      sync.Mutex
	entries map[model.UserID]*entry
}

// NewStore returns an empty store; every user starts Idle.
func NewStore() *Store {
	return &Store{entries: make(map[model.UserID]*entry)}
}

func (s *Store) entry(user model.UserID) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[user]
	if !ok {
		e = &entry{}
		s.entries[user] = e
	}
	return e
}

// Lock blocks until no other step for user is running and returns the
// matching unlock function. Different users never contend.
func (s *Store) Lock(user model.UserID) func() {
	e := s.entry(user)
	e.step.Lock()
	return e.step.Unlock
}

// Get returns a copy of the user's flow; unknown users are Idle.
func (s *Store) Get(user model.UserID) Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[user]; ok {
		return e.flow.clone()
	}
	return Flow{}
}

// Update applies fn to the user's flow under the store lock.
func (s *Store) Update(user model.UserID, fn func(*Flow)) Flow {
	e := s.entry(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&e.flow)
	return e.flow.clone()
}

// Apply moves the user along ev and reports whether the transition existed.
func (s *Store) Apply(user model.UserID, ev Event) (State, bool) {
	var (
		next State
		ok   bool
	)
	s.Update(user, func(f *Flow) {
		next, ok = Transition(f.State, ev)
		f.State = next
	})
	return next, ok
}

// Reset returns the user to Idle, clears flow scratch data and returns the
// flow as it was so the caller can release anything it referenced (a staged
// key file). The connection profile is kept.
func (s *Store) Reset(user model.UserID) Flow {
	var prev Flow
	s.Update(user, func(f *Flow) {
		prev = f.clone()
		*f = Flow{Profile: f.Profile, HasProfile: f.HasProfile}
	})
	return prev
}

// Len reports how many users have conversation state.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
