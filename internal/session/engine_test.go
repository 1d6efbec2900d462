package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"duel_arena/internal/game"

	"github.com/jonboulle/clockwork"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (f *fakeRecorder) RecordSession(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func (f *fakeRecorder) all() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.records...)
}

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakePublisher) PublishFinished(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, rec.SessionID)
	return f.err
}

type fakeListener struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeListener) OnSessionEvent(ev Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeListener) count(t EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	engine   *Engine
	clock    *clockwork.FakeClock
	recorder *fakeRecorder
	pub      *fakePublisher
	events   *fakeListener
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{
		clock:    clock,
		recorder: &fakeRecorder{},
		pub:      &fakePublisher{},
		events:   &fakeListener{},
	}
	store := NewStore(clock, time.Hour, false)
	h.engine = NewEngine(store, Config{WinningScore: 5}, Deps{
		Recorder:  h.recorder,
		Publisher: h.pub,
		Clock:     clock,
	})
	h.engine.Subscribe(h.events)
	t.Cleanup(h.engine.Close)
	return h
}

var (
	alice = Participant{UserID: "alice", DisplayName: "Alice", Rating: 1000}
	bob   = Participant{UserID: "bob", DisplayName: "Bob", Rating: 1000}
	carol = Participant{UserID: "carol", DisplayName: "Carol", Rating: 1000}
)

func (h *harness) board(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.engine.CreateSession(alice, bob, game.Options{Kind: game.KindTicTacToe})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return snap
}

func TestApplyMoveScenarioWin(t *testing.T) {
	h := newHarness(t)
	snap := h.board(t)

	moves := []struct {
		user string
		pos  int
	}{
		{"alice", 0}, {"bob", 4}, {"alice", 1}, {"bob", 5}, {"alice", 2},
	}
	var last Snapshot
	for i, m := range moves {
		if last.Status == StatusFinished {
			t.Fatalf("finished before move %d", i)
		}
		var err error
		last, err = h.engine.ApplyMove(snap.ID, m.user, m.pos)
		if err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}

	if last.Status != StatusFinished || last.Outcome != OutcomeWin {
		t.Fatalf("status=%s outcome=%s; want finished/win", last.Status, last.Outcome)
	}
	if last.WinnerID == nil || *last.WinnerID != "alice" {
		t.Fatalf("winner = %v; want alice", last.WinnerID)
	}
	b, _ := last.Board()
	want := [game.BoardSize]game.Mark{"A", "A", "A", "", "B", "B", "", "", ""}
	if b.Cells != want {
		t.Fatalf("cells = %v; want %v", b.Cells, want)
	}
	if *last.NewRatings != [2]int{1016, 984} {
		t.Fatalf("new ratings = %v", *last.NewRatings)
	}
	if last.Moves != 5 {
		t.Fatalf("terminal snapshot moves = %d; want 5", last.Moves)
	}
	if got, _ := h.engine.Get(snap.ID); got.Moves != 5 {
		t.Fatalf("stored snapshot moves = %d; want 5", got.Moves)
	}

	h.engine.Close()
	recs := h.recorder.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d; want 1", len(recs))
	}
	rec := recs[0]
	if rec.MoveCount != 5 || rec.ScoreA != 1 || rec.ScoreB != 0 || rec.OutcomeReason != ReasonCompleted {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Ratings[0].Old != 1000 || rec.Ratings[0].New != 1016 {
		t.Fatalf("rating change = %+v", rec.Ratings[0])
	}
	if len(h.pub.ids) != 1 || h.pub.ids[0] != snap.ID {
		t.Fatalf("published = %v", h.pub.ids)
	}
	if _, busy := h.engine.ActiveFor("alice"); busy {
		t.Fatalf("alice still bound to an active session")
	}
}

func TestApplyMoveValidation(t *testing.T) {
	h := newHarness(t)
	snap := h.board(t)

	cases := []struct {
		name string
		id   string
		user string
		pos  int
		want error
	}{
		{"unknown session", "nope", "alice", 0, ErrSessionNotFound},
		{"stranger", snap.ID, "carol", 0, ErrNotAParticipant},
		{"wrong turn", snap.ID, "bob", 0, ErrNotYourTurn},
		{"off board", snap.ID, "alice", 12, ErrInvalidCell},
	}
	for _, tc := range cases {
		if _, err := h.engine.ApplyMove(tc.id, tc.user, tc.pos); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v; want %v", tc.name, err, tc.want)
		}
	}

	if _, err := h.engine.ApplyMove(snap.ID, "alice", 4); err != nil {
		t.Fatalf("valid move: %v", err)
	}
	if _, err := h.engine.ApplyMove(snap.ID, "bob", 4); !errors.Is(err, ErrCellOccupied) {
		t.Fatalf("occupied: err = %v", err)
	}

	got, _ := h.engine.Get(snap.ID)
	if got.Moves != 1 {
		t.Fatalf("rejected moves were recorded: moves = %d", got.Moves)
	}

	if _, err := h.engine.Forfeit(snap.ID, "bob"); err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	if _, err := h.engine.ApplyMove(snap.ID, "bob", 0); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("after finish: err = %v", err)
	}
}

func TestDrawUsesHalfScore(t *testing.T) {
	h := newHarness(t)
	a := Participant{UserID: "alice", Rating: 1000}
	b := Participant{UserID: "bob", Rating: 1400}
	snap, err := h.engine.CreateSession(a, b, game.Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	order := []int{0, 1, 2, 4, 3, 5, 7, 6, 8}
	users := []string{"alice", "bob"}
	var last Snapshot
	for i, pos := range order {
		last, err = h.engine.ApplyMove(snap.ID, users[i%2], pos)
		if err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
	}
	if last.Outcome != OutcomeDraw || last.WinnerID != nil {
		t.Fatalf("outcome=%s winner=%v; want draw with no winner", last.Outcome, last.WinnerID)
	}
	if *last.NewRatings != [2]int{1013, 1387} {
		t.Fatalf("new ratings = %v", *last.NewRatings)
	}
}

func TestForfeitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	snap := h.board(t)

	first, err := h.engine.Forfeit(snap.ID, "alice")
	if err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	second, err := h.engine.Forfeit(snap.ID, "alice")
	if err != nil {
		t.Fatalf("second forfeit: %v", err)
	}
	third, err := h.engine.Disconnect(snap.ID, "bob")
	if err != nil {
		t.Fatalf("disconnect after forfeit: %v", err)
	}

	for _, s := range []Snapshot{second, third} {
		if s.Version != first.Version || *s.WinnerID != "bob" || s.Outcome != OutcomeForfeit {
			t.Fatalf("terminal state changed: first=%+v later=%+v", first, s)
		}
	}
	if n := h.events.count(EventFinished); n != 1 {
		t.Fatalf("finished events = %d; want 1", n)
	}
	h.engine.Close()
	if n := len(h.recorder.all()); n != 1 {
		t.Fatalf("records = %d; want 1", n)
	}
}

func TestConcurrentFinalizersFinishOnce(t *testing.T) {
	h := newHarness(t)
	snap := h.board(t)
	h.clock.Advance(5 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Forfeit(snap.ID, "alice")
		}()
		go func() {
			defer wg.Done()
			_, _ = h.engine.Disconnect(snap.ID, "alice")
		}()
		go func() {
			defer wg.Done()
			h.engine.ForfeitInactive(snap.ID, time.Minute)
		}()
	}
	wg.Wait()
	h.engine.Close()

	got, _ := h.engine.Get(snap.ID)
	if got.Status != StatusFinished || *got.WinnerID != "bob" {
		t.Fatalf("got %+v", got)
	}
	if n := h.events.count(EventFinished); n != 1 {
		t.Fatalf("finished events = %d; want 1", n)
	}
	if n := len(h.recorder.all()); n != 1 {
		t.Fatalf("records = %d; want 1", n)
	}
}

func TestCollaboratorFailureStillFinishes(t *testing.T) {
	h := newHarness(t)
	h.recorder.err = errors.New("db down")
	h.pub.err = errors.New("bus down")
	snap := h.board(t)

	got, err := h.engine.Forfeit(snap.ID, "bob")
	if err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	h.engine.Close()
	if got.Status != StatusFinished {
		t.Fatalf("status = %s", got.Status)
	}
	if _, busy := h.engine.ActiveFor("bob"); busy {
		t.Fatalf("bob still bound after failed persistence")
	}
}

func TestInactivityMonitorForfeitsPlayerToMove(t *testing.T) {
	h := newHarness(t)
	snap := h.board(t)
	mon := NewMonitor(h.engine, 120*time.Second, 10*time.Second)

	if _, err := h.engine.ApplyMove(snap.ID, "alice", 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	h.clock.Advance(119 * time.Second)
	if n := mon.Sweep(); n != 0 {
		t.Fatalf("early sweep forfeited %d sessions", n)
	}

	h.clock.Advance(2 * time.Second)
	if n := mon.Sweep(); n != 1 {
		t.Fatalf("sweep forfeited %d; want 1", n)
	}
	got, _ := h.engine.Get(snap.ID)
	if got.Outcome != OutcomeForfeit || got.Reason != ReasonTimeout {
		t.Fatalf("outcome=%s reason=%s", got.Outcome, got.Reason)
	}
	// bob was due to move
	if got.WinnerID == nil || *got.WinnerID != "alice" {
		t.Fatalf("winner = %v; want alice", got.WinnerID)
	}
	if n := mon.Sweep(); n != 0 {
		t.Fatalf("second sweep forfeited %d", n)
	}
}

func TestInactivityMonitorSeesFreshActivity(t *testing.T) {
	h := newHarness(t)
	snap := h.board(t)
	mon := NewMonitor(h.engine, 120*time.Second, 10*time.Second)

	h.clock.Advance(121 * time.Second)
	if _, err := h.engine.ApplyMove(snap.ID, "alice", 4); err != nil {
		t.Fatalf("move: %v", err)
	}
	if n := mon.Sweep(); n != 0 {
		t.Fatalf("sweep forfeited a session that just moved")
	}
}

func TestInactivityContinuousBlamesSilentSide(t *testing.T) {
	h := newHarness(t)
	snap, err := h.engine.CreateSession(alice, bob, game.Options{Kind: game.KindPong})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.clock.Advance(10 * time.Second)
	if err := h.engine.ApplyPaddleIntent(snap.ID, "alice", 1); err != nil {
		t.Fatalf("intent: %v", err)
	}
	h.clock.Advance(121 * time.Second)

	if !h.engine.ForfeitInactive(snap.ID, 120*time.Second) {
		t.Fatalf("expected timeout forfeit")
	}
	got, _ := h.engine.Get(snap.ID)
	if *got.WinnerID != "alice" {
		t.Fatalf("winner = %s; want alice (bob never moved)", *got.WinnerID)
	}
}

func TestContinuousTickAndIntent(t *testing.T) {
	h := newHarness(t)
	snap, err := h.engine.CreateSession(alice, bob, game.Options{Kind: game.KindPong})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, _ := snap.Pong()
	startY := p.Paddles[game.SideA].Y

	if err := h.engine.ApplyPaddleIntent(snap.ID, "carol", 1); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("stranger intent: err = %v", err)
	}
	if err := h.engine.ApplyPaddleIntent(snap.ID, "alice", 5); !errors.Is(err, ErrInvalidDirection) {
		t.Fatalf("bad direction: err = %v", err)
	}
	if _, err := h.engine.ApplyMove(snap.ID, "alice", 0); !errors.Is(err, ErrWrongGameKind) {
		t.Fatalf("move on pong: err = %v", err)
	}
	if err := h.engine.ApplyPaddleIntent(snap.ID, "alice", -1); err != nil {
		t.Fatalf("intent: %v", err)
	}

	next, err := h.engine.AdvanceTick(snap.ID, game.FrameDuration)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	p, _ = next.Pong()
	if p.Paddles[game.SideA].Y != startY-game.PaddleSpeed {
		t.Fatalf("paddle y = %v; want %v", p.Paddles[game.SideA].Y, startY-game.PaddleSpeed)
	}
	if next.Version <= snap.Version {
		t.Fatalf("version did not advance")
	}
}

func TestContinuousWinFinishesSession(t *testing.T) {
	h := newHarness(t)
	snap, err := h.engine.CreateSession(alice, bob, game.Options{Kind: game.KindPong})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s, _ := h.engine.store.Get(snap.ID)
	s.mu.Lock()
	p := s.state.(*game.Pong)
	p.Scores[game.SideB] = 4
	p.Ball = game.Ball{X: 15, Y: 40, VX: -5, VY: 0, Visible: true}
	p.ResumeIn = 0
	s.mu.Unlock()

	var last Snapshot
	for i := 0; i < 20 && last.Status != StatusFinished; i++ {
		last, err = h.engine.AdvanceTick(snap.ID, game.FrameDuration)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if last.Status != StatusFinished || *last.WinnerID != "bob" || last.Outcome != OutcomeWin {
		t.Fatalf("got %+v", last)
	}
	if _, err := h.engine.AdvanceTick(snap.ID, game.FrameDuration); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("tick after finish: err = %v", err)
	}

	h.engine.Close()
	recs := h.recorder.all()
	if len(recs) != 1 || recs[0].ScoreB != 5 || recs[0].ScoreA != 0 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestTickDriverStopsOnFinish(t *testing.T) {
	store := NewStore(clockwork.NewRealClock(), time.Minute, false)
	e := NewEngine(store, Config{TickRate: 200}, Deps{})
	defer e.Close()

	snap, err := e.CreateSession(alice, bob, game.Options{Kind: game.KindPong})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := e.Get(snap.ID)
		if got.Version > snap.Version+3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("driver never ticked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := e.Forfeit(snap.ID, "alice"); err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("driver did not stop")
	}
}

func TestRestartRequestActiveSession(t *testing.T) {
	h := newHarness(t)
	snap := h.board(t)
	if _, err := h.engine.ApplyMove(snap.ID, "alice", 0); err != nil {
		t.Fatalf("move: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := h.engine.RestartRequest(snap.ID, "alice")
		if err != nil {
			t.Fatalf("restart a #%d: %v", i, err)
		}
		if res.Restarted || res.Ready != [2]bool{true, false} {
			t.Fatalf("restart a #%d: %+v", i, res)
		}
	}

	res, err := h.engine.RestartRequest(snap.ID, "bob")
	if err != nil {
		t.Fatalf("restart b: %v", err)
	}
	if !res.Restarted || res.Session.ID != snap.ID {
		t.Fatalf("expected in-place restart: %+v", res)
	}
	b, _ := res.Session.Board()
	if b.Moves != 0 || b.Cells[0] != game.Empty || b.Turn != game.SideA {
		t.Fatalf("board not reset: %+v", b)
	}
	if res.Session.RestartReady != [2]bool{} || res.Session.Moves != 0 {
		t.Fatalf("flags or log not cleared: %+v", res.Session)
	}
	if _, err := h.engine.RestartRequest(snap.ID, "carol"); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("stranger restart: err = %v", err)
	}
}

func TestRestartRequestFinishedSessionStartsRematch(t *testing.T) {
	h := newHarness(t)
	snap := h.board(t)
	if _, err := h.engine.Forfeit(snap.ID, "alice"); err != nil {
		t.Fatalf("forfeit: %v", err)
	}

	if res, err := h.engine.RestartRequest(snap.ID, "bob"); err != nil || res.Restarted {
		t.Fatalf("first flag: res=%+v err=%v", res, err)
	}
	res, err := h.engine.RestartRequest(snap.ID, "alice")
	if err != nil {
		t.Fatalf("second flag: %v", err)
	}
	if !res.Restarted || res.Session.ID == snap.ID || res.Session.Status != StatusActive {
		t.Fatalf("expected new active session: %+v", res.Session)
	}
	if res.Session.ParticipantA.Rating != 984 || res.Session.ParticipantB.Rating != 1016 {
		t.Fatalf("rematch ratings = %d/%d", res.Session.ParticipantA.Rating, res.Session.ParticipantB.Rating)
	}

	old, _ := h.engine.Get(snap.ID)
	if old.Status != StatusFinished {
		t.Fatalf("old session reopened")
	}
	if _, err := h.engine.RestartRequest(snap.ID, "alice"); !errors.Is(err, ErrRematchTaken) {
		t.Fatalf("third request: err = %v", err)
	}
	if cur, ok := h.engine.ActiveFor("bob"); !ok || cur.ID != res.Session.ID {
		t.Fatalf("bob not routed to rematch")
	}
}
