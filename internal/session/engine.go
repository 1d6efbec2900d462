package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"duel_arena/internal/game"
	"duel_arena/internal/logger"
	"duel_arena/internal/metrics"
	"duel_arena/internal/rating"

	"github.com/jonboulle/clockwork"
)

// Recorder persists finished sessions and applies rating changes.
type Recorder interface {
	RecordSession(ctx context.Context, rec Record) error
}

// Publisher announces finished sessions on the event bus.
type Publisher interface {
	PublishFinished(ctx context.Context, rec Record) error
}

// Listener receives committed state changes, after the session lock is released.
type Listener interface {
	OnSessionEvent(ev Event)
}

type EventType string

const (
	EventStarted        EventType = "started"
	EventUpdated        EventType = "updated"
	EventFinished       EventType = "finished"
	EventRestartPending EventType = "restart_pending"
)

type Event struct {
	Type    EventType
	Session Snapshot
	// PreviousID is set on EventStarted when the session is a rematch.
	PreviousID string
}

type Config struct {
	WinningScore int
	TickRate     int // per-session simulation rate, 0 disables drivers
	CallTimeout  time.Duration
	// IdleLoser is blamed when a continuous session times out and both sides were equally silent.
	IdleLoser game.Side
}

type Deps struct {
	Recorder  Recorder
	Publisher Publisher
	Clock     clockwork.Clock
	Rand      *rand.Rand
}

// Engine is the only writer of session state.
type Engine struct {
	cfg       Config
	store     *Store
	clock     clockwork.Clock
	recorder  Recorder
	publisher Publisher
	log       *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	lmu       sync.RWMutex
	listeners []Listener

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func NewEngine(store *Store, cfg Config, deps Deps) *Engine {
	if cfg.WinningScore <= 0 {
		cfg.WinningScore = game.DefaultWinningScore
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.IdleLoser != game.SideB {
		cfg.IdleLoser = game.SideA
	}
	clock := deps.Clock
	if clock == nil {
		clock = store.clock
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		clock:     clock,
		recorder:  deps.Recorder,
		publisher: deps.Publisher,
		log:       logger.Component("engine"),
		rng:       rng,
		done:      make(chan struct{}),
	}
}

func (e *Engine) Subscribe(l Listener) {
	e.lmu.Lock()
	e.listeners = append(e.listeners, l)
	e.lmu.Unlock()
}

func (e *Engine) Store() *Store { return e.store }

// Close stops tick drivers and waits for pending collaborator callouts.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.done) })
	e.wg.Wait()
}

func (e *Engine) sessionRand() *rand.Rand {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return rand.New(rand.NewPCG(e.rng.Uint64(), e.rng.Uint64()))
}

// CreateSession starts a new active session for two players.
func (e *Engine) CreateSession(a, b Participant, opts game.Options) (Snapshot, error) {
	return e.createSession(a, b, opts, "")
}

func (e *Engine) createSession(a, b Participant, opts game.Options, previous string) (Snapshot, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return Snapshot{}, err
	}
	if a.Rating == 0 {
		a.Rating = rating.DefaultRating
	}
	if b.Rating == 0 {
		b.Rating = rating.DefaultRating
	}

	rng := e.sessionRand()
	state, err := game.NewState(opts, e.cfg.WinningScore, rng)
	if err != nil {
		return Snapshot{}, err
	}

	s, err := e.store.create(a, b, opts, state, rng)
	if err != nil {
		return Snapshot{}, err
	}

	snap := s.Snapshot()
	metrics.SessionsStarted.WithLabelValues(string(opts.Kind)).Inc()
	metrics.SessionsActive.Inc()
	e.log.Info("session started", "session_id", snap.ID, "kind", opts.Kind,
		"a", a.UserID, "b", b.UserID, "previous", previous)

	if opts.Kind == game.KindPong && e.cfg.TickRate > 0 {
		e.wg.Add(1)
		go e.runDriver(s.id, s.stop)
	}

	e.emit(Event{Type: EventStarted, Session: snap, PreviousID: previous})
	return snap, nil
}

// Get returns the snapshot of a live or recently finished session.
func (e *Engine) Get(id string) (Snapshot, error) {
	s, ok := e.store.Get(id)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.Snapshot(), nil
}

// ActiveFor returns the active session of userID.
func (e *Engine) ActiveFor(userID string) (Snapshot, bool) {
	s, ok := e.store.ByUser(userID)
	if !ok {
		return Snapshot{}, false
	}
	snap := s.Snapshot()
	return snap, snap.Status == StatusActive
}

// lockActive resolves the session and participant and returns with the session locked.
func (e *Engine) lockActive(id, userID string) (*Session, game.Side, error) {
	s, ok := e.store.Get(id)
	if !ok {
		return nil, game.SideNone, ErrSessionNotFound
	}
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return nil, game.SideNone, ErrSessionNotActive
	}
	side := s.sideOf(userID)
	if side == game.SideNone {
		s.mu.Unlock()
		return nil, game.SideNone, ErrNotAParticipant
	}
	return s, side, nil
}

// ApplyMove places a mark on the discrete board.
func (e *Engine) ApplyMove(id, userID string, pos int) (Snapshot, error) {
	s, side, err := e.lockActive(id, userID)
	if err != nil {
		return Snapshot{}, e.rejected(err)
	}

	board, ok := s.state.(*game.Board)
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, e.rejected(ErrWrongGameKind)
	}
	if err := board.Place(side, pos); err != nil {
		s.mu.Unlock()
		return Snapshot{}, e.rejected(err)
	}

	now := e.clock.Now()
	s.touch(side, now)
	s.moves = append(s.moves, MoveRecord{Side: side, Position: pos, At: now})
	s.version++

	var rec *Record
	if winner, done := board.Result(); done {
		outcome := OutcomeWin
		if winner == game.SideNone {
			outcome = OutcomeDraw
		}
		rec = e.finishLocked(s, winner, outcome, ReasonCompleted)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	e.committed(snap, rec)
	return snap, nil
}

// ApplyPaddleIntent sets the caller's paddle direction for the next tick.
func (e *Engine) ApplyPaddleIntent(id, userID string, dir int) error {
	s, side, err := e.lockActive(id, userID)
	if err != nil {
		return e.rejected(err)
	}
	defer s.mu.Unlock()

	pong, ok := s.state.(*game.Pong)
	if !ok {
		return e.rejected(ErrWrongGameKind)
	}
	if err := pong.SetDirection(side, dir); err != nil {
		return e.rejected(err)
	}

	now := e.clock.Now()
	s.touch(side, now)
	s.moves = append(s.moves, MoveRecord{Side: side, Direction: dir, At: now})
	s.version++
	return nil
}

// AdvanceTick runs one simulation step of the continuous game.
func (e *Engine) AdvanceTick(id string, dt time.Duration) (Snapshot, error) {
	s, ok := e.store.Get(id)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return Snapshot{}, ErrSessionNotActive
	}
	pong, ok := s.state.(*game.Pong)
	if !ok {
		s.mu.Unlock()
		return Snapshot{}, ErrWrongGameKind
	}

	res := pong.Step(dt, s.rng)
	s.version++

	var rec *Record
	if res.Winner != game.SideNone {
		rec = e.finishLocked(s, res.Winner, OutcomeWin, ReasonCompleted)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	e.committed(snap, rec)
	return snap, nil
}

// Forfeit concedes the session on behalf of userID. Calling it on an already
// finished session is a no-op that returns the terminal snapshot.
func (e *Engine) Forfeit(id, userID string) (Snapshot, error) {
	return e.forfeit(id, userID, OutcomeForfeit, ReasonConceded)
}

// Disconnect is a forfeit caused by the transport losing userID.
func (e *Engine) Disconnect(id, userID string) (Snapshot, error) {
	return e.forfeit(id, userID, OutcomeDisconnect, ReasonDisconnect)
}

func (e *Engine) forfeit(id, userID string, outcome Outcome, reason string) (Snapshot, error) {
	s, ok := e.store.Get(id)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	s.mu.Lock()
	side := s.sideOf(userID)
	if side == game.SideNone {
		s.mu.Unlock()
		return Snapshot{}, ErrNotAParticipant
	}
	rec := e.finishLocked(s, side.Other(), outcome, reason)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if rec != nil {
		e.log.Info("session forfeited", "session_id", id, "user_id", userID, "outcome", outcome, "reason", reason)
	}
	e.committed(snap, rec)
	return snap, nil
}

// ForfeitInactive forfeits the session if nobody acted within timeout. The last
// activity is read under the session lock so an in-flight move wins the race.
func (e *Engine) ForfeitInactive(id string, timeout time.Duration) bool {
	s, ok := e.store.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	if s.status != StatusActive || e.clock.Since(s.lastActivity) < timeout {
		s.mu.Unlock()
		return false
	}

	loser := e.cfg.IdleLoser
	switch st := s.state.(type) {
	case *game.Board:
		loser = st.Turn
	case *game.Pong:
		a, b := s.lastInput[game.SideA], s.lastInput[game.SideB]
		if a.Before(b) {
			loser = game.SideA
		} else if b.Before(a) {
			loser = game.SideB
		}
	}
	rec := e.finishLocked(s, loser.Other(), OutcomeForfeit, ReasonTimeout)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	e.log.Info("session timed out", "session_id", id, "loser", s.participants[loser].UserID)
	e.committed(snap, rec)
	return rec != nil
}

// RestartResult reports the outcome of a rematch request.
type RestartResult struct {
	Ready     [2]bool
	Restarted bool
	Session   Snapshot
}

// RestartRequest flags userID as ready for a rematch. On an active session the
// game resets in place once both sides are ready; on a finished session a new
// session is created for the same pair.
func (e *Engine) RestartRequest(id, userID string) (RestartResult, error) {
	s, ok := e.store.Get(id)
	if !ok {
		return RestartResult{}, e.rejected(ErrSessionNotFound)
	}
	s.mu.Lock()
	side := s.sideOf(userID)
	if side == game.SideNone {
		s.mu.Unlock()
		return RestartResult{}, e.rejected(ErrNotAParticipant)
	}
	if s.rematchID != "" {
		s.mu.Unlock()
		return RestartResult{}, e.rejected(ErrRematchTaken)
	}

	s.restartReady[side] = true
	both := s.restartReady[game.SideA] && s.restartReady[game.SideB]

	if !both {
		s.version++
		snap := s.snapshotLocked()
		s.mu.Unlock()
		e.emit(Event{Type: EventRestartPending, Session: snap})
		return RestartResult{Ready: snap.RestartReady, Session: snap}, nil
	}

	s.restartReady = [2]bool{}
	if s.status == StatusActive {
		e.resetLocked(s)
		snap := s.snapshotLocked()
		s.mu.Unlock()
		e.log.Info("session restarted", "session_id", id)
		e.emit(Event{Type: EventUpdated, Session: snap})
		return RestartResult{Restarted: true, Session: snap}, nil
	}

	// finished: hand the pair over to a fresh session with updated ratings
	s.rematchID = "pending"
	a, b := s.participants[0], s.participants[1]
	a.Rating, b.Rating = s.newRatings[0], s.newRatings[1]
	opts := s.options
	s.mu.Unlock()

	snap, err := e.createSession(a, b, opts, id)

	s.mu.Lock()
	if err != nil {
		s.rematchID = ""
	} else {
		s.rematchID = snap.ID
	}
	s.mu.Unlock()
	if err != nil {
		return RestartResult{}, e.rejected(err)
	}
	return RestartResult{Restarted: true, Session: snap}, nil
}

func (e *Engine) resetLocked(s *Session) {
	switch st := s.state.(type) {
	case *game.Board:
		s.state = game.NewBoard()
	case *game.Pong:
		st.Reset(s.rng)
	}
	now := e.clock.Now()
	s.moves = s.moves[:0]
	s.lastActivity = now
	s.lastInput = [2]time.Time{now, now}
	s.version++
}

// finishLocked is the single active->finished transition. It returns nil when
// the session was already finished, which makes every finalizing path idempotent.
func (e *Engine) finishLocked(s *Session, winner game.Side, outcome Outcome, reason string) *Record {
	if s.status == StatusFinished {
		return nil
	}
	if outcome == OutcomeDraw {
		winner = game.SideNone
	}

	s.status = StatusFinished
	s.finishedAt = e.clock.Now()
	s.winner = winner
	s.outcome = outcome
	s.reason = reason
	s.restartReady = [2]bool{}
	s.version++

	score := rating.ScoreDraw
	switch winner {
	case game.SideA:
		score = rating.ScoreWin
	case game.SideB:
		score = rating.ScoreLoss
	}
	a, b := rating.ComputeNewRatings(s.participants[0].Rating, s.participants[1].Rating, score)
	s.newRatings = [2]int{a, b}

	close(s.stop)
	e.store.release(s)

	metrics.SessionsActive.Dec()
	metrics.SessionsFinished.WithLabelValues(string(s.options.Kind), string(outcome)).Inc()

	rec := s.recordLocked()
	s.moveCount = rec.MoveCount
	s.moves = nil
	return &rec
}

func (s *Session) touch(side game.Side, now time.Time) {
	s.lastActivity = now
	s.lastInput[side] = now
}

// committed notifies listeners and, for a finish, fires the collaborator callouts.
func (e *Engine) committed(snap Snapshot, rec *Record) {
	if rec == nil {
		if snap.Status == StatusActive {
			e.emit(Event{Type: EventUpdated, Session: snap})
		}
		return
	}
	e.log.Info("session finished", "session_id", rec.SessionID, "outcome", rec.Outcome,
		"reason", rec.OutcomeReason, "moves", rec.MoveCount, "duration_ms", rec.DurationMs)
	e.emit(Event{Type: EventFinished, Session: snap})
	e.callout(*rec)
}

// callout runs persistence and event-bus delivery in the background. Failures are
// logged and counted; the session stays finished either way.
func (e *Engine) callout(rec Record) {
	if e.recorder == nil && e.publisher == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
		defer cancel()

		if e.recorder != nil {
			if err := e.recorder.RecordSession(ctx, rec); err != nil {
				metrics.CollaboratorFailures.WithLabelValues("persistence").Inc()
				e.log.Error("record session failed", "session_id", rec.SessionID, "error", err)
			}
		}
		if e.publisher != nil {
			if err := e.publisher.PublishFinished(ctx, rec); err != nil {
				metrics.CollaboratorFailures.WithLabelValues("events").Inc()
				e.log.Error("publish session finished failed", "session_id", rec.SessionID, "error", err)
			}
		}
	}()
}

func (e *Engine) emit(ev Event) {
	e.lmu.RLock()
	ls := make([]Listener, len(e.listeners))
	copy(ls, e.listeners)
	e.lmu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("listener panic", "session_id", ev.Session.ID, "event", ev.Type, "panic", fmt.Sprint(r))
				}
			}()
			l.OnSessionEvent(ev)
		}()
	}
}

func (e *Engine) rejected(err error) error {
	metrics.MovesRejected.WithLabelValues(Reason(err)).Inc()
	return err
}

// runDriver ticks one continuous session until it finishes or the engine closes.
func (e *Engine) runDriver(id string, stop <-chan struct{}) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tick driver panic", "session_id", id, "panic", fmt.Sprint(r))
		}
	}()

	interval := time.Second / time.Duration(e.cfg.TickRate)
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()
	last := e.clock.Now()

	for {
		select {
		case <-e.done:
			return
		case <-stop:
			return
		case now := <-ticker.Chan():
			dt := now.Sub(last)
			last = now
			if dt > 4*interval {
				dt = 4 * interval
			}
			if _, err := e.AdvanceTick(id, dt); err != nil {
				if !errors.Is(err, ErrSessionNotActive) && !errors.Is(err, ErrSessionNotFound) {
					e.log.Error("tick failed", "session_id", id, "error", err)
				}
				return
			}
		}
	}
}
