package matchmaking

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"duel_arena/internal/game"
	"duel_arena/internal/logger"
	"duel_arena/internal/metrics"
	"duel_arena/internal/session"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

var (
	ErrAlreadyQueued = errors.New("player already queued")
	ErrInvalidEntry  = errors.New("queue entry requires a user id")
)

const (
	ModeSkill    = "skill"
	ModeFallback = "fallback"
)

// Entry is one waiting player.
type Entry struct {
	UserID      string       `json:"user_id"`
	DisplayName string       `json:"display_name"`
	Rating      int          `json:"rating"`
	ConnRef     string       `json:"-"`
	JoinedAt    time.Time    `json:"joined_at"`
	Options     game.Options `json:"options"`
	ConfigKey   string       `json:"config_key"`
}

func (e Entry) Participant() session.Participant {
	return session.Participant{UserID: e.UserID, DisplayName: e.DisplayName, Rating: e.Rating}
}

// Match is a pairing that produced a session. A joined the queue first.
type Match struct {
	A       Entry
	B       Entry
	Mode    string
	Session session.Snapshot
}

// Waiting is an entry together with how long it has been queued.
type Waiting struct {
	Entry
	Wait time.Duration `json:"wait"`
}

// CreateFunc starts a session for a pairing. It runs while the queue is locked,
// so it must not call back into the queue.
type CreateFunc func(a, b Entry) (session.Snapshot, error)

type Config struct {
	SkillRange    int
	Grace         time.Duration
	Expiry        time.Duration
	SweepInterval time.Duration
	// InSession reports players already bound to an active session.
	InSession func(userID string) bool
}

type waiting struct {
	Entry
	timer clockwork.Timer
}

// Queue holds players waiting for an opponent. All mutation happens under mu,
// and a pairing removes both entries before the session is requested.
type Queue struct {
	mu      sync.Mutex
	entries []*waiting
	byUser  map[string]*waiting

	cfg    Config
	clock  clockwork.Clock
	create CreateFunc
	sched  gocron.Scheduler
	log    *slog.Logger
}

func New(cfg Config, clock clockwork.Clock, create CreateFunc) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		byUser: make(map[string]*waiting),
		cfg:    cfg,
		clock:  clock,
		create: create,
		log:    logger.Component("matchmaking"),
	}
}

// Enqueue pairs e with the best waiting candidate, or queues it. A nil match
// means the player is now waiting.
func (q *Queue) Enqueue(e Entry) (*Match, error) {
	if e.UserID == "" {
		return nil, ErrInvalidEntry
	}
	opts, err := e.Options.Normalize()
	if err != nil {
		return nil, err
	}
	e.Options = opts
	e.ConfigKey = opts.ConfigKey()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byUser[e.UserID]; ok {
		return nil, ErrAlreadyQueued
	}
	if q.inSession(e.UserID) {
		return nil, session.ErrAlreadyInSession
	}

	now := q.clock.Now()
	e.JoinedAt = now

	q.purgeInSessionLocked()
	for {
		cand, mode := q.candidateLocked(e, nil, now, 0, nil)
		if cand == nil {
			break
		}
		q.removeLocked(cand)
		snap, err := q.create(cand.Entry, e)
		if err != nil {
			if errors.Is(err, session.ErrAlreadyInSession) && q.inSession(cand.UserID) {
				// the candidate got a session outside the queue; drop it and look again
				q.retireLocked(cand)
				q.log.Info("dropped queued player already in session", "user_id", cand.UserID)
				continue
			}
			q.insertLocked(cand)
			return nil, fmt.Errorf("create session: %w", err)
		}
		q.retireLocked(cand)
		metrics.Matches.WithLabelValues(mode).Inc()
		m := &Match{A: cand.Entry, B: e, Mode: mode, Session: snap}
		q.log.Info("players matched", "a", cand.UserID, "b", e.UserID, "mode", mode,
			"session_id", snap.ID, "config", e.ConfigKey)
		return m, nil
	}

	w := &waiting{Entry: e}
	if q.cfg.Expiry > 0 {
		w.timer = q.clock.AfterFunc(q.cfg.Expiry, func() { q.expire(w) })
	}
	q.insertLocked(w)
	q.log.Debug("player queued", "user_id", e.UserID, "rating", e.Rating, "config", e.ConfigKey)
	return nil, nil
}

// Dequeue removes userID from the queue and reports whether it was waiting.
func (q *Queue) Dequeue(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.byUser[userID]
	if !ok {
		return false
	}
	q.removeLocked(w)
	q.retireLocked(w)
	return true
}

func (q *Queue) Contains(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byUser[userID]
	return ok
}

// Status lists waiting entries, longest-waiting first.
func (q *Queue) Status() []Waiting {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	out := make([]Waiting, 0, len(q.entries))
	for _, w := range q.entries {
		out = append(out, Waiting{Entry: w.Entry, Wait: now.Sub(w.JoinedAt)})
	}
	return out
}

// Sweep pairs entries that have waited past the grace period with any
// compatible opponent, preferring the closest rating.
func (q *Queue) Sweep() []Match {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.purgeInSessionLocked()
	now := q.clock.Now()
	skip := make(map[string]bool)
	var out []Match
	for {
		a, b, mode := q.overdueLocked(now, skip)
		if a == nil {
			break
		}
		q.removeLocked(a)
		q.removeLocked(b)
		snap, err := q.create(a.Entry, b.Entry)
		if err != nil {
			q.log.Warn("sweep pairing failed", "a", a.UserID, "b", b.UserID, "error", err)
			for _, w := range []*waiting{a, b} {
				if errors.Is(err, session.ErrAlreadyInSession) && q.inSession(w.UserID) {
					q.retireLocked(w)
					continue
				}
				q.insertLocked(w)
				skip[w.UserID] = true
			}
			continue
		}
		q.retireLocked(a)
		q.retireLocked(b)
		metrics.Matches.WithLabelValues(mode).Inc()
		q.log.Info("players matched", "a", a.UserID, "b", b.UserID, "mode", mode,
			"session_id", snap.ID, "config", a.ConfigKey)
		out = append(out, Match{A: a.Entry, B: b.Entry, Mode: mode, Session: snap})
	}
	return out
}

// Start schedules Sweep every SweepInterval.
func (q *Queue) Start() error {
	if q.cfg.SweepInterval <= 0 {
		return nil
	}
	sched, err := gocron.NewScheduler(gocron.WithClock(q.clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(q.cfg.SweepInterval),
		gocron.NewTask(func() {
			q.Sweep()
		}),
		gocron.WithName("queue-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule queue sweep: %w", err)
	}
	sched.Start()
	q.sched = sched
	return nil
}

func (q *Queue) Stop() error {
	if q.sched == nil {
		return nil
	}
	return q.sched.Shutdown()
}

// candidateLocked picks the opponent for e: the closest rating within range,
// earliest joiner on ties; otherwise the longest-waiting compatible entry once
// either side has waited past the grace period.
func (q *Queue) candidateLocked(e Entry, self *waiting, now time.Time, waited time.Duration, skip map[string]bool) (*waiting, string) {
	var best *waiting
	bestGap := 0
	for _, w := range q.entries {
		if w == self || skip[w.UserID] || w.ConfigKey != e.ConfigKey {
			continue
		}
		gap := abs(w.Rating - e.Rating)
		if gap > q.cfg.SkillRange {
			continue
		}
		if best == nil || gap < bestGap {
			best, bestGap = w, gap
		}
	}
	if best != nil {
		return best, ModeSkill
	}

	for _, w := range q.entries {
		if w == self || skip[w.UserID] || w.ConfigKey != e.ConfigKey {
			continue
		}
		if waited >= q.cfg.Grace || now.Sub(w.JoinedAt) >= q.cfg.Grace {
			return w, ModeFallback
		}
		// entries are ordered by join time; later ones waited less
		break
	}
	return nil, ""
}

func (q *Queue) overdueLocked(now time.Time, skip map[string]bool) (*waiting, *waiting, string) {
	for _, w := range q.entries {
		wait := now.Sub(w.JoinedAt)
		if wait < q.cfg.Grace {
			break
		}
		if skip[w.UserID] {
			continue
		}
		if cand, mode := q.candidateLocked(w.Entry, w, now, wait, skip); cand != nil {
			if cand.JoinedAt.Before(w.JoinedAt) {
				return cand, w, mode
			}
			return w, cand, mode
		}
	}
	return nil, nil, ""
}

func (q *Queue) inSession(userID string) bool {
	return q.cfg.InSession != nil && q.cfg.InSession(userID)
}

// purgeInSessionLocked drops entries whose player has meanwhile started a
// session elsewhere, e.g. through a rematch.
func (q *Queue) purgeInSessionLocked() {
	if q.cfg.InSession == nil {
		return
	}
	var stale []*waiting
	for _, w := range q.entries {
		if q.cfg.InSession(w.UserID) {
			stale = append(stale, w)
		}
	}
	for _, w := range stale {
		q.removeLocked(w)
		q.retireLocked(w)
		q.log.Info("dropped queued player already in session", "user_id", w.UserID)
	}
}

func (q *Queue) expire(w *waiting) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.byUser[w.UserID] != w {
		return
	}
	q.removeLocked(w)
	metrics.QueueExpired.Inc()
	q.log.Info("queue entry expired", "user_id", w.UserID, "waited", q.clock.Since(w.JoinedAt))
}

// insertLocked keeps entries ordered by join time.
func (q *Queue) insertLocked(w *waiting) {
	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].JoinedAt.After(w.JoinedAt)
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = w
	q.byUser[w.UserID] = w
	metrics.QueueSize.Set(float64(len(q.entries)))
}

func (q *Queue) removeLocked(w *waiting) {
	for i, cur := range q.entries {
		if cur == w {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	if q.byUser[w.UserID] == w {
		delete(q.byUser, w.UserID)
	}
	metrics.QueueSize.Set(float64(len(q.entries)))
}

// retireLocked stops the expiry timer of an entry that left the queue for good.
func (q *Queue) retireLocked(w *waiting) {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
