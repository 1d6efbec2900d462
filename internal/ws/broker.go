package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"duel_arena/internal/game"
	"duel_arena/internal/logger"
	"duel_arena/internal/matchmaking"
	"duel_arena/internal/metrics"
	"duel_arena/internal/rating"
	"duel_arena/internal/session"
)

var ErrUnknownMessage = errors.New("unknown message type")

// Conn is one live client connection. Send must not block.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// RatingLookup returns a player's current rating.
type RatingLookup interface {
	Rating(ctx context.Context, userID string) (int, error)
}

type peer struct {
	conn Conn
	name string
}

type route struct {
	sessionID string
	active    bool
}

// Broker maps users to connections and sessions. Its lock is never held while
// calling the engine or the queue; the engine calls back through OnSessionEvent.
type Broker struct {
	mu     sync.RWMutex
	peers  map[string]*peer
	routes map[string]route

	engine  *session.Engine
	queue   *matchmaking.Queue
	ratings RatingLookup
	strict  bool
	log     *slog.Logger
}

func NewBroker(engine *session.Engine, queue *matchmaking.Queue, ratings RatingLookup, strict bool) *Broker {
	b := &Broker{
		peers:   make(map[string]*peer),
		routes:  make(map[string]route),
		engine:  engine,
		queue:   queue,
		ratings: ratings,
		strict:  strict,
		log:     logger.Component("broker"),
	}
	engine.Subscribe(b)
	return b
}

// Register binds conn to userID, replacing and closing any previous connection
// of the same user. A user with a live session gets its current state.
func (b *Broker) Register(userID, name string, conn Conn) {
	b.mu.Lock()
	old := b.peers[userID]
	b.peers[userID] = &peer{conn: conn, name: name}
	b.mu.Unlock()

	switch {
	case old == nil:
		metrics.Connections.Inc()
	case old.conn != conn:
		b.log.Info("connection replaced", "user_id", userID)
		_ = old.conn.Close()
	}

	if snap, ok := b.engine.ActiveFor(userID); ok {
		b.bind(snap)
		b.sendTo(userID, Message{Type: MsgStateUpdate, Payload: StateUpdatePayload{Session: snap}})
	}
}

// Disconnect handles the close of conn. Only the user's current connection
// leaves the queue and forfeits; a replaced connection is ignored.
func (b *Broker) Disconnect(userID string, conn Conn) {
	b.mu.Lock()
	p, ok := b.peers[userID]
	if !ok || p.conn != conn {
		b.mu.Unlock()
		return
	}
	delete(b.peers, userID)
	b.mu.Unlock()
	metrics.Connections.Dec()

	if b.queue.Dequeue(userID) {
		b.log.Info("left queue on disconnect", "user_id", userID)
	}
	if snap, ok := b.engine.ActiveFor(userID); ok {
		if _, err := b.engine.Disconnect(snap.ID, userID); err != nil {
			b.log.Warn("disconnect forfeit failed", "user_id", userID, "session_id", snap.ID, "error", err)
		}
	}

	b.mu.Lock()
	delete(b.routes, userID)
	b.mu.Unlock()
}

// Receive decodes one raw frame from userID, handles it and sends the replies.
func (b *Broker) Receive(userID string, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic", "user_id", userID, "panic", fmt.Sprint(r))
			b.sendTo(userID, errorMessage("internal", "internal error"))
		}
	}()

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		b.sendTo(userID, errorMessage("bad_request", "malformed message"))
		return
	}
	for _, msg := range b.Handle(userID, in) {
		b.sendTo(userID, msg)
	}
}

// Handle applies one inbound message and returns the replies meant only for the
// caller. Session-wide updates reach both participants through OnSessionEvent.
func (b *Broker) Handle(userID string, in Inbound) []Message {
	switch in.Type {
	case MsgPing:
		return []Message{{Type: MsgPong}}

	case MsgJoinQueue:
		var p JoinQueuePayload
		if !decode(in.Payload, &p) {
			return []Message{errorMessage("bad_request", "malformed join_queue")}
		}
		return b.joinQueue(userID, p)

	case MsgLeaveQueue:
		removed := b.queue.Dequeue(userID)
		return []Message{{Type: MsgLeft, Payload: LeftPayload{Removed: removed}}}

	case MsgSubmitMove:
		var p SubmitMovePayload
		if !decode(in.Payload, &p) {
			return []Message{errorMessage("bad_request", "malformed submit_move")}
		}
		if _, err := b.engine.ApplyMove(b.sessionFor(userID, p.SessionID), userID, p.Position); err != nil {
			return []Message{rejected(err)}
		}
		return nil

	case MsgPaddleIntent:
		var p PaddleIntentPayload
		if !decode(in.Payload, &p) {
			return []Message{errorMessage("bad_request", "malformed paddle_intent")}
		}
		if err := b.engine.ApplyPaddleIntent(b.sessionFor(userID, p.SessionID), userID, p.Direction); err != nil {
			return []Message{rejected(err)}
		}
		return nil

	case MsgForfeit:
		var p SessionPayload
		if !decode(in.Payload, &p) {
			return []Message{errorMessage("bad_request", "malformed forfeit")}
		}
		if _, err := b.engine.Forfeit(b.sessionFor(userID, p.SessionID), userID); err != nil {
			return []Message{errorMessage(session.Reason(err), err.Error())}
		}
		return nil

	case MsgRestartRequest:
		var p SessionPayload
		if !decode(in.Payload, &p) {
			return []Message{errorMessage("bad_request", "malformed restart_request")}
		}
		res, err := b.engine.RestartRequest(b.sessionFor(userID, p.SessionID), userID)
		if err != nil {
			return []Message{rejected(err)}
		}
		if res.Restarted {
			// a rematch supersedes any queue entry either player left behind
			for _, uid := range res.Session.UserIDs() {
				if b.queue.Dequeue(uid) {
					b.log.Info("left queue on rematch", "user_id", uid, "session_id", res.Session.ID)
				}
			}
		}
		return nil

	default:
		return []Message{errorMessage("unknown_type", fmt.Sprintf("%v: %q", ErrUnknownMessage, in.Type))}
	}
}

func (b *Broker) joinQueue(userID string, p JoinQueuePayload) []Message {
	if _, busy := b.engine.ActiveFor(userID); busy {
		return []Message{errorMessage(session.Reason(session.ErrAlreadyInSession), session.ErrAlreadyInSession.Error())}
	}

	name := p.DisplayName
	b.mu.RLock()
	if pr, ok := b.peers[userID]; ok && name == "" {
		name = pr.name
	}
	b.mu.RUnlock()

	var opts game.Options
	if p.Config != nil {
		opts = *p.Config
	}
	opts, err := opts.Normalize()
	if err != nil {
		return []Message{errorMessage("invalid_config", err.Error())}
	}

	m, err := b.queue.Enqueue(matchmaking.Entry{
		UserID:      userID,
		DisplayName: name,
		Rating:      b.rating(userID),
		ConnRef:     userID,
		Options:     opts,
	})
	switch {
	case errors.Is(err, matchmaking.ErrAlreadyQueued):
		return []Message{errorMessage("already_queued", err.Error())}
	case err != nil:
		return []Message{errorMessage(queueReason(err), err.Error())}
	case m == nil:
		return []Message{{Type: MsgQueued, Payload: QueuedPayload{ConfigKey: opts.ConfigKey()}}}
	}
	// match_found arrives through the session started event
	return nil
}

func (b *Broker) rating(userID string) int {
	if b.ratings == nil {
		return rating.DefaultRating
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := b.ratings.Rating(ctx, userID)
	if err != nil {
		b.log.Warn("rating lookup failed, using default", "user_id", userID, "error", err)
		return rating.DefaultRating
	}
	return r
}

func (b *Broker) sessionFor(userID, requested string) string {
	if requested != "" {
		return requested
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routes[userID].sessionID
}

// SessionOf reports the session userID is routed to.
func (b *Broker) SessionOf(userID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.routes[userID]
	return r.sessionID, ok && r.active
}

// OnSessionEvent fans committed session changes out to the participants.
func (b *Broker) OnSessionEvent(ev session.Event) {
	snap := ev.Session
	ids := snap.UserIDs()

	switch ev.Type {
	case session.EventStarted:
		if err := b.bind(snap); err != nil {
			return
		}
		for _, uid := range ids {
			opp := snap.Opponent(uid)
			b.sendTo(uid, Message{Type: MsgMatchFound, Payload: MatchFoundPayload{
				Session:    snap,
				Opponent:   OpponentSummary{UserID: opp.UserID, DisplayName: opp.DisplayName, Rating: opp.Rating},
				Side:       snap.Side(uid),
				PreviousID: ev.PreviousID,
			}})
		}

	case session.EventUpdated:
		b.broadcast(ids, Message{Type: MsgStateUpdate, Payload: StateUpdatePayload{Session: snap}})

	case session.EventRestartPending:
		b.broadcast(ids, Message{Type: MsgRestartPending, Payload: RestartPendingPayload{
			SessionID:  snap.ID,
			ReadySides: readySides(snap.RestartReady),
		}})

	case session.EventFinished:
		b.unbind(snap)
		if snap.Outcome == session.OutcomeDisconnect && snap.WinnerID != nil {
			b.sendTo(*snap.WinnerID, Message{Type: MsgOpponentDisconnected, Payload: OpponentDisconnectedPayload{
				Winner:  *snap.WinnerID,
				Reason:  session.ReasonDisconnect,
				Session: snap,
			}})
			return
		}
		b.broadcast(ids, Message{Type: MsgStateUpdate, Payload: StateUpdatePayload{Session: snap, Outcome: snap.Outcome}})
	}
}

// bind routes both participants to snap. Routing a user who is still bound to a
// different active session is refused.
func (b *Broker) bind(snap session.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, uid := range snap.UserIDs() {
		if r, ok := b.routes[uid]; ok && r.active && r.sessionID != snap.ID {
			return session.Invariant(b.strict, b.log, "user routed into two sessions",
				"user_id", uid, "current", r.sessionID, "new", snap.ID)
		}
	}
	for _, uid := range snap.UserIDs() {
		b.routes[uid] = route{sessionID: snap.ID, active: snap.Status == session.StatusActive}
	}
	return nil
}

// unbind keeps the route for restart requests but marks it inactive.
func (b *Broker) unbind(snap session.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, uid := range snap.UserIDs() {
		if r, ok := b.routes[uid]; ok && r.sessionID == snap.ID {
			b.routes[uid] = route{sessionID: snap.ID}
		}
	}
}

func (b *Broker) broadcast(userIDs [2]string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}
	for _, uid := range userIDs {
		b.deliver(uid, msg.Type, data)
	}
}

func (b *Broker) sendTo(userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("marshal message", "type", msg.Type, "error", err)
		return
	}
	b.deliver(userID, msg.Type, data)
}

func (b *Broker) deliver(userID, typ string, data []byte) {
	b.mu.RLock()
	p, ok := b.peers[userID]
	b.mu.RUnlock()
	if !ok {
		b.log.Debug("no connection for user", "user_id", userID, "type", typ)
		return
	}
	if err := p.conn.Send(data); err != nil {
		b.log.Warn("send failed", "user_id", userID, "type", typ, "error", err)
	}
}

func decode(raw json.RawMessage, v any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return true
	}
	return json.Unmarshal(raw, v) == nil
}

func readySides(ready [2]bool) []game.Side {
	sides := make([]game.Side, 0, 2)
	for i, ok := range ready {
		if ok {
			sides = append(sides, game.Side(i))
		}
	}
	return sides
}

func rejected(err error) Message {
	return Message{Type: MsgMoveRejected, Payload: MoveRejectedPayload{Reason: session.Reason(err), Message: err.Error()}}
}

func errorMessage(reason, msg string) Message {
	return Message{Type: MsgError, Payload: ErrorPayload{Reason: reason, Message: msg}}
}

func queueReason(err error) string {
	switch {
	case errors.Is(err, matchmaking.ErrInvalidEntry):
		return "bad_request"
	default:
		return session.Reason(err)
	}
}
