package session

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"duel_arena/internal/game"
	"duel_arena/internal/logger"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store owns the live sessions and the user -> active session index.
// Lock order: a session lock may be held while calling into the store, never the reverse.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]string
	grace    time.Duration
	clock    clockwork.Clock
	strict   bool
	newID    func() string
	log      *slog.Logger
}

// NewStore keeps finished sessions for grace before evicting them.
func NewStore(clock clockwork.Clock, grace time.Duration, strict bool) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
		grace:    grace,
		clock:    clock,
		strict:   strict,
		newID:    uuid.NewString,
		log:      logger.Component("session_store"),
	}
}

func (st *Store) create(a, b Participant, opts game.Options, state game.State, rng *rand.Rand) (*Session, error) {
	if a.UserID == b.UserID {
		return nil, ErrSamePlayer
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, uid := range []string{a.UserID, b.UserID} {
		if sid, busy := st.byUser[uid]; busy {
			st.log.Warn("refusing second active session", "user_id", uid, "session_id", sid)
			return nil, ErrAlreadyInSession
		}
	}

	id := st.newID()
	if _, taken := st.sessions[id]; taken {
		return nil, Invariant(st.strict, st.log, "session id collision", "session_id", id)
	}

	s := newSession(id, a, b, opts, state, rng, st.clock.Now())
	st.sessions[id] = s
	st.byUser[a.UserID] = id
	st.byUser[b.UserID] = id
	return s, nil
}

func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// ByUser returns the active session of userID.
func (st *Store) ByUser(userID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := st.sessions[id]
	return s, ok
}

// ActiveIDs lists sessions still indexed as active.
func (st *Store) ActiveIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	seen := make(map[string]struct{}, len(st.byUser)/2)
	ids := make([]string, 0, len(st.byUser)/2)
	for _, id := range st.byUser {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// release frees both participants for new sessions and schedules eviction.
func (st *Store) release(s *Session) {
	st.mu.Lock()
	for _, p := range s.participants {
		if st.byUser[p.UserID] == s.id {
			delete(st.byUser, p.UserID)
		}
	}
	st.mu.Unlock()

	if st.grace <= 0 {
		st.Evict(s.id)
		return
	}
	id := s.id
	st.clock.AfterFunc(st.grace, func() {
		st.Evict(id)
	})
}

// Evict drops a session from memory.
func (st *Store) Evict(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return
	}
	for _, p := range s.participants {
		if st.byUser[p.UserID] == id {
			delete(st.byUser, p.UserID)
		}
	}
	delete(st.sessions, id)
	st.log.Debug("session evicted", "session_id", id)
}
