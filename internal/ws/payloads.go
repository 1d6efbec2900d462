package ws

import (
	"encoding/json"

	"duel_arena/internal/game"
	"duel_arena/internal/session"
)

// Inbound is a client frame. Payload is decoded per type.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is a server frame.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// client → server

type JoinQueuePayload struct {
	DisplayName string        `json:"display_name,omitempty"`
	Config      *game.Options `json:"config,omitempty"`
}

// SessionPayload addresses a session; an empty id means the caller's current one.
type SessionPayload struct {
	SessionID string `json:"session_id,omitempty"`
}

type SubmitMovePayload struct {
	SessionID string `json:"session_id,omitempty"`
	Position  int    `json:"position"`
}

type PaddleIntentPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Direction int    `json:"direction"`
}

// server → client

type QueuedPayload struct {
	ConfigKey string `json:"config_key"`
}

type OpponentSummary struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Rating      int    `json:"rating"`
}

type MatchFoundPayload struct {
	Session    session.Snapshot `json:"session"`
	Opponent   OpponentSummary  `json:"opponent"`
	Side       game.Side        `json:"side"`
	PreviousID string           `json:"previous_session_id,omitempty"`
}

type LeftPayload struct {
	Removed bool `json:"removed"`
}

type StateUpdatePayload struct {
	Session session.Snapshot `json:"session"`
	Outcome session.Outcome  `json:"outcome,omitempty"`
}

type MoveRejectedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type RestartPendingPayload struct {
	SessionID  string      `json:"session_id"`
	ReadySides []game.Side `json:"ready_sides"`
}

type OpponentDisconnectedPayload struct {
	Winner  string           `json:"winner"`
	Reason  string           `json:"reason"`
	Session session.Snapshot `json:"session"`
}

type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
