package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"duel_arena/internal/game"
	"duel_arena/internal/matchmaking"
	"duel_arena/internal/session"

	"github.com/jonboulle/clockwork"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fakeConn struct {
	mu     sync.Mutex
	frames []frame
	closed bool
}

func (f *fakeConn) Send(data []byte) error {
	var fr frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if fr.Type == typ {
			n++
		}
	}
	return n
}

func (f *fakeConn) last(t *testing.T, typ string, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Type == typ {
			if err := json.Unmarshal(f.frames[i].Payload, v); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
			return
		}
	}
	t.Fatalf("no %s frame among %d", typ, len(f.frames))
}

type fixture struct {
	broker *Broker
	engine *session.Engine
	queue  *matchmaking.Queue
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	engine := session.NewEngine(session.NewStore(clock, time.Minute, false), session.Config{}, session.Deps{Clock: clock})
	t.Cleanup(engine.Close)
	queue := matchmaking.New(matchmaking.Config{
		SkillRange: 200,
		Grace:      10 * time.Second,
		InSession: func(userID string) bool {
			_, ok := engine.ActiveFor(userID)
			return ok
		},
	}, clock, func(a, b matchmaking.Entry) (session.Snapshot, error) {
		return engine.CreateSession(a.Participant(), b.Participant(), a.Options)
	})
	return &fixture{broker: NewBroker(engine, queue, nil, false), engine: engine, queue: queue, clock: clock}
}

func msg(t *testing.T, typ string, payload any) Inbound {
	t.Helper()
	in := Inbound{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		in.Payload = raw
	}
	return in
}

// pair registers alice and bob and matches them into a tic-tac-toe session.
func (f *fixture) pair(t *testing.T) (*fakeConn, *fakeConn, string) {
	t.Helper()
	a, b := &fakeConn{}, &fakeConn{}
	f.broker.Register("alice", "Alice", a)
	f.broker.Register("bob", "Bob", b)

	replies := f.broker.Handle("alice", msg(t, MsgJoinQueue, nil))
	if len(replies) != 1 || replies[0].Type != MsgQueued {
		t.Fatalf("alice join: %+v", replies)
	}
	if replies := f.broker.Handle("bob", msg(t, MsgJoinQueue, nil)); len(replies) != 0 {
		t.Fatalf("bob join: %+v", replies)
	}

	var mf MatchFoundPayload
	a.last(t, MsgMatchFound, &mf)
	if mf.Opponent.UserID != "bob" || mf.Side != game.SideA {
		t.Fatalf("alice match_found = %+v", mf)
	}
	var mfb MatchFoundPayload
	b.last(t, MsgMatchFound, &mfb)
	if mfb.Opponent.DisplayName != "Alice" || mfb.Side != game.SideB || mfb.Session.ID != mf.Session.ID {
		t.Fatalf("bob match_found = %+v", mfb)
	}
	return a, b, mf.Session.ID
}

func TestBrokerDiscreteGameFlow(t *testing.T) {
	f := newFixture(t)
	a, b, id := f.pair(t)

	if sid, ok := f.broker.SessionOf("bob"); !ok || sid != id {
		t.Fatalf("bob routed to %q", sid)
	}

	replies := f.broker.Handle("bob", msg(t, MsgSubmitMove, SubmitMovePayload{Position: 4}))
	if len(replies) != 1 || replies[0].Type != MsgMoveRejected {
		t.Fatalf("out of turn: %+v", replies)
	}
	if p := replies[0].Payload.(MoveRejectedPayload); p.Reason != "not_your_turn" {
		t.Fatalf("reason = %s", p.Reason)
	}

	moves := []struct {
		user string
		pos  int
	}{{"alice", 0}, {"bob", 4}, {"alice", 1}, {"bob", 5}, {"alice", 2}}
	for _, m := range moves {
		if r := f.broker.Handle(m.user, msg(t, MsgSubmitMove, SubmitMovePayload{Position: m.pos})); len(r) != 0 {
			t.Fatalf("move %+v: %+v", m, r)
		}
	}

	for name, conn := range map[string]*fakeConn{"alice": a, "bob": b} {
		if n := conn.count(MsgStateUpdate); n != 5 {
			t.Fatalf("%s got %d state updates; want 5", name, n)
		}
		var su StateUpdatePayload
		conn.last(t, MsgStateUpdate, &su)
		if su.Outcome != session.OutcomeWin || su.Session.WinnerID == nil || *su.Session.WinnerID != "alice" {
			t.Fatalf("%s final update = %+v", name, su)
		}
	}
	if _, ok := f.broker.SessionOf("alice"); ok {
		t.Fatalf("route still active after finish")
	}
}

func TestBrokerDisconnectNotifiesOpponentOnce(t *testing.T) {
	f := newFixture(t)
	a, b, id := f.pair(t)

	f.broker.Disconnect("alice", a)
	f.broker.Disconnect("alice", a)
	if _, err := f.engine.Forfeit(id, "alice"); err != nil {
		t.Fatalf("late forfeit: %v", err)
	}

	if n := b.count(MsgOpponentDisconnected); n != 1 {
		t.Fatalf("opponent_disconnected frames = %d; want 1", n)
	}
	var od OpponentDisconnectedPayload
	b.last(t, MsgOpponentDisconnected, &od)
	if od.Winner != "bob" || od.Reason != "disconnect" {
		t.Fatalf("payload = %+v", od)
	}
	if a.count(MsgOpponentDisconnected) != 0 {
		t.Fatalf("disconnected player was notified")
	}

	snap, _ := f.engine.Get(id)
	if snap.Outcome != session.OutcomeDisconnect || *snap.WinnerID != "bob" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestBrokerReplacedConnectionDoesNotForfeit(t *testing.T) {
	f := newFixture(t)
	old, _, id := f.pair(t)

	fresh := &fakeConn{}
	f.broker.Register("alice", "Alice", fresh)
	if !old.closed {
		t.Fatalf("old connection not closed")
	}
	var su StateUpdatePayload
	fresh.last(t, MsgStateUpdate, &su)
	if su.Session.ID != id {
		t.Fatalf("reconnect state for %s", su.Session.ID)
	}

	f.broker.Disconnect("alice", old)
	if snap, _ := f.engine.Get(id); snap.Status != session.StatusActive {
		t.Fatalf("stale close finished the session")
	}

	f.broker.Disconnect("alice", fresh)
	if snap, _ := f.engine.Get(id); snap.Outcome != session.OutcomeDisconnect {
		t.Fatalf("current close did not forfeit: %+v", snap)
	}
}

func TestBrokerQueueMessages(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	f.broker.Register("alice", "Alice", conn)

	cfg := &game.Options{Kind: game.KindPong, Map: "wide", PowerUps: true}
	replies := f.broker.Handle("alice", msg(t, MsgJoinQueue, JoinQueuePayload{Config: cfg}))
	if len(replies) != 1 || replies[0].Payload.(QueuedPayload).ConfigKey != "pong:map=wide;powerups=1;speed=1" {
		t.Fatalf("join: %+v", replies)
	}
	replies = f.broker.Handle("alice", msg(t, MsgJoinQueue, nil))
	if replies[0].Type != MsgError || replies[0].Payload.(ErrorPayload).Reason != "already_queued" {
		t.Fatalf("second join: %+v", replies)
	}

	replies = f.broker.Handle("alice", msg(t, MsgLeaveQueue, nil))
	if !replies[0].Payload.(LeftPayload).Removed {
		t.Fatalf("leave: %+v", replies)
	}
	replies = f.broker.Handle("alice", msg(t, MsgLeaveQueue, nil))
	if replies[0].Payload.(LeftPayload).Removed {
		t.Fatalf("second leave removed something")
	}

	bad := &game.Options{Kind: game.KindPong, Speed: 3}
	replies = f.broker.Handle("alice", msg(t, MsgJoinQueue, JoinQueuePayload{Config: bad}))
	if replies[0].Payload.(ErrorPayload).Reason != "invalid_config" {
		t.Fatalf("bad config: %+v", replies)
	}
}

func TestBrokerDisconnectLeavesQueue(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	f.broker.Register("alice", "Alice", conn)
	f.broker.Handle("alice", msg(t, MsgJoinQueue, nil))

	f.broker.Disconnect("alice", conn)
	if f.queue.Contains("alice") {
		t.Fatalf("disconnected user still queued")
	}
}

func TestBrokerRestartHandshake(t *testing.T) {
	f := newFixture(t)
	a, b, id := f.pair(t)
	f.broker.Handle("alice", msg(t, MsgSubmitMove, SubmitMovePayload{Position: 0}))

	f.broker.Handle("alice", msg(t, MsgRestartRequest, nil))
	f.broker.Handle("alice", msg(t, MsgRestartRequest, nil))
	var rp RestartPendingPayload
	b.last(t, MsgRestartPending, &rp)
	if rp.SessionID != id || len(rp.ReadySides) != 1 || rp.ReadySides[0] != game.SideA {
		t.Fatalf("restart_pending = %+v", rp)
	}

	f.broker.Handle("bob", msg(t, MsgRestartRequest, SessionPayload{SessionID: id}))
	var su StateUpdatePayload
	a.last(t, MsgStateUpdate, &su)
	board, ok := su.Session.Game.(*game.Board)
	if ok && board.Moves != 0 {
		t.Fatalf("board not reset")
	}
	if su.Session.Moves != 0 || su.Session.Status != session.StatusActive {
		t.Fatalf("after restart: %+v", su.Session)
	}
}

func TestBrokerRematchAfterFinish(t *testing.T) {
	f := newFixture(t)
	a, _, id := f.pair(t)
	f.broker.Handle("bob", msg(t, MsgForfeit, nil))

	f.broker.Handle("alice", msg(t, MsgRestartRequest, nil))
	f.broker.Handle("bob", msg(t, MsgRestartRequest, nil))

	if n := a.count(MsgMatchFound); n != 2 {
		t.Fatalf("match_found frames = %d; want 2", n)
	}
	var mf MatchFoundPayload
	a.last(t, MsgMatchFound, &mf)
	if mf.PreviousID != id || mf.Session.ID == id {
		t.Fatalf("rematch = %+v", mf)
	}
	if sid, ok := f.broker.SessionOf("bob"); !ok || sid != mf.Session.ID {
		t.Fatalf("bob routed to %q", sid)
	}
}

func TestBrokerRematchLeavesQueue(t *testing.T) {
	f := newFixture(t)
	_, _, id := f.pair(t)
	f.broker.Handle("bob", msg(t, MsgForfeit, nil))

	if replies := f.broker.Handle("alice", msg(t, MsgJoinQueue, nil)); len(replies) != 1 || replies[0].Type != MsgQueued {
		t.Fatalf("alice requeue: %+v", replies)
	}
	f.broker.Handle("alice", msg(t, MsgRestartRequest, SessionPayload{SessionID: id}))
	f.broker.Handle("bob", msg(t, MsgRestartRequest, SessionPayload{SessionID: id}))
	if f.queue.Contains("alice") {
		t.Fatalf("alice still queued after rematch")
	}

	c := &fakeConn{}
	f.broker.Register("carol", "Carol", c)
	replies := f.broker.Handle("carol", msg(t, MsgJoinQueue, nil))
	if len(replies) != 1 || replies[0].Type != MsgQueued {
		t.Fatalf("carol join: %+v", replies)
	}
	if c.count(MsgMatchFound) != 0 {
		t.Fatalf("carol matched against a player in a rematch")
	}
}

func TestBrokerRejectsBadFrames(t *testing.T) {
	f := newFixture(t)
	conn := &fakeConn{}
	f.broker.Register("alice", "Alice", conn)

	f.broker.Receive("alice", []byte("{not json"))
	f.broker.Receive("alice", []byte(`{"type":"teleport"}`))
	f.broker.Receive("alice", []byte(`{"type":"submit_move","payload":{"position":"x"}}`))
	f.broker.Receive("alice", []byte(`{"type":"submit_move","payload":{"position":1}}`))
	f.broker.Receive("alice", []byte(`{"type":"ping"}`))

	if n := conn.count(MsgError); n != 3 {
		t.Fatalf("error frames = %d; want 3", n)
	}
	var rj MoveRejectedPayload
	conn.last(t, MsgMoveRejected, &rj)
	if rj.Reason != "session_not_found" {
		t.Fatalf("reason = %s", rj.Reason)
	}
	if conn.count(MsgPong) != 1 {
		t.Fatalf("no pong")
	}
}

func TestBrokerRefusesDoubleRouting(t *testing.T) {
	f := newFixture(t)
	_, _, id := f.pair(t)

	other := session.Snapshot{
		ID:           "other",
		Status:       session.StatusActive,
		ParticipantA: session.Participant{UserID: "alice"},
		ParticipantB: session.Participant{UserID: "carol"},
	}
	if err := f.broker.bind(other); !errors.Is(err, session.ErrInvariant) {
		t.Fatalf("bind err = %v; want ErrInvariant", err)
	}
	if sid, _ := f.broker.SessionOf("alice"); sid != id {
		t.Fatalf("routing overwritten to %s", sid)
	}
	if _, ok := f.broker.SessionOf("carol"); ok {
		t.Fatalf("carol routed despite refusal")
	}
}
