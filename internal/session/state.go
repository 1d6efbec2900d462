package session

import (
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"

	"duel_arena/internal/game"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

type Outcome string

const (
	OutcomeWin        Outcome = "win"
	OutcomeDraw       Outcome = "draw"
	OutcomeForfeit    Outcome = "forfeit"
	OutcomeDisconnect Outcome = "disconnect"
)

// Forfeit reasons carried next to the outcome.
const (
	ReasonConceded   = "conceded"
	ReasonTimeout    = "timeout"
	ReasonDisconnect = "disconnect"
	ReasonCompleted  = "completed"
)

// Participant is the identity snapshot taken when the session is created.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Rating      int    `json:"rating"`
}

// MoveRecord is one accepted player input, kept in memory until the session finishes.
type MoveRecord struct {
	Side      game.Side `json:"side"`
	Position  int       `json:"position,omitempty"`
	Direction int       `json:"direction,omitempty"`
	At        time.Time `json:"at"`
}

// Session is the mutable, lock-guarded record. Only Engine methods touch it.
type Session struct {
	mu sync.Mutex

	id           string
	options      game.Options
	participants [2]Participant
	status       Status
	startedAt    time.Time
	finishedAt   time.Time
	winner       game.Side
	outcome      Outcome
	reason       string
	state        game.State
	version      int64
	newRatings   [2]int

	lastActivity time.Time
	lastInput    [2]time.Time
	restartReady [2]bool
	rematchID    string
	moves        []MoveRecord
	// moveCount keeps the log length once the log is dropped at finish
	moveCount    int

	rng  *rand.Rand
	stop chan struct{}
}

func newSession(id string, a, b Participant, opts game.Options, state game.State, rng *rand.Rand, now time.Time) *Session {
	return &Session{
		id:           id,
		options:      opts,
		participants: [2]Participant{a, b},
		status:       StatusActive,
		startedAt:    now,
		winner:       game.SideNone,
		state:        state,
		version:      1,
		lastActivity: now,
		lastInput:    [2]time.Time{now, now},
		rng:          rng,
		stop:         make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) sideOf(userID string) game.Side {
	switch userID {
	case s.participants[0].UserID:
		return game.SideA
	case s.participants[1].UserID:
		return game.SideB
	default:
		return game.SideNone
	}
}

// Snapshot returns a consistent copy under the session lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:           s.id,
		Kind:         s.options.Kind,
		Options:      s.options,
		ParticipantA: s.participants[0],
		ParticipantB: s.participants[1],
		Status:       s.status,
		StartedAt:    s.startedAt,
		Outcome:      s.outcome,
		Reason:       s.reason,
		Game:         s.state.Clone(),
		Version:      s.version,
		Moves:        len(s.moves),
		RestartReady: s.restartReady,
	}
	if s.status == StatusFinished {
		at := s.finishedAt
		snap.FinishedAt = &at
		if s.winner != game.SideNone {
			id := s.participants[s.winner].UserID
			snap.WinnerID = &id
		}
		nr := s.newRatings
		snap.NewRatings = &nr
		snap.Moves = s.moveCount
	}
	return snap
}

// Snapshot is an immutable view of a session handed to callers and clients.
type Snapshot struct {
	ID           string       `json:"id"`
	Kind         game.Kind    `json:"kind"`
	Options      game.Options `json:"options"`
	ParticipantA Participant  `json:"participant_a"`
	ParticipantB Participant  `json:"participant_b"`
	Status       Status       `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at"`
	WinnerID     *string      `json:"winner_id"`
	Outcome      Outcome      `json:"outcome,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Game         game.State   `json:"game"`
	Version      int64        `json:"version"`
	Moves        int          `json:"moves"`
	RestartReady [2]bool      `json:"restart_ready"`
	NewRatings   *[2]int      `json:"new_ratings,omitempty"`
}

// UnmarshalJSON decodes the game field according to Kind.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	type plain Snapshot
	aux := struct {
		*plain
		Game json.RawMessage `json:"game"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.Game = nil
	if len(aux.Game) == 0 || string(aux.Game) == "null" {
		return nil
	}
	st, err := game.DecodeState(s.Kind, aux.Game)
	if err != nil {
		return err
	}
	s.Game = st
	return nil
}

// Side returns which slot userID occupies, or SideNone.
func (s Snapshot) Side(userID string) game.Side {
	switch userID {
	case s.ParticipantA.UserID:
		return game.SideA
	case s.ParticipantB.UserID:
		return game.SideB
	default:
		return game.SideNone
	}
}

func (s Snapshot) Participant(side game.Side) Participant {
	if side == game.SideB {
		return s.ParticipantB
	}
	return s.ParticipantA
}

// Opponent returns the other participant of userID.
func (s Snapshot) Opponent(userID string) Participant {
	return s.Participant(s.Side(userID).Other())
}

func (s Snapshot) UserIDs() [2]string {
	return [2]string{s.ParticipantA.UserID, s.ParticipantB.UserID}
}

func (s Snapshot) Board() (*game.Board, bool) {
	b, ok := s.Game.(*game.Board)
	return b, ok
}

func (s Snapshot) Pong() (*game.Pong, bool) {
	p, ok := s.Game.(*game.Pong)
	return p, ok
}

// RatingChange is one side of the paired update computed at finish time.
type RatingChange struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Old         int    `json:"old"`
	New         int    `json:"new"`
}

// Record is the summary handed to the persistence and event collaborators.
type Record struct {
	SessionID      string          `json:"session_id"`
	Kind           game.Kind       `json:"kind"`
	ParticipantAID string          `json:"participant_a_id"`
	ParticipantBID string          `json:"participant_b_id"`
	WinnerID       *string         `json:"winner_id"`
	ScoreA         int             `json:"score_a"`
	ScoreB         int             `json:"score_b"`
	MoveCount      int             `json:"move_count"`
	DurationMs     int64           `json:"duration_ms"`
	FinishedAt     time.Time       `json:"finished_at"`
	Outcome        Outcome         `json:"outcome"`
	OutcomeReason  string          `json:"outcome_reason"`
	Ratings        [2]RatingChange `json:"ratings"`
}

func (s *Session) recordLocked() Record {
	rec := Record{
		SessionID:      s.id,
		Kind:           s.options.Kind,
		ParticipantAID: s.participants[0].UserID,
		ParticipantBID: s.participants[1].UserID,
		MoveCount:      len(s.moves),
		DurationMs:     s.finishedAt.Sub(s.startedAt).Milliseconds(),
		FinishedAt:     s.finishedAt,
		Outcome:        s.outcome,
		OutcomeReason:  s.reason,
	}
	if s.winner != game.SideNone {
		id := s.participants[s.winner].UserID
		rec.WinnerID = &id
	}

	switch st := s.state.(type) {
	case *game.Pong:
		rec.ScoreA, rec.ScoreB = st.Scores[game.SideA], st.Scores[game.SideB]
	case *game.Board:
		switch s.winner {
		case game.SideA:
			rec.ScoreA = 1
		case game.SideB:
			rec.ScoreB = 1
		}
	}

	for i, p := range s.participants {
		rec.Ratings[i] = RatingChange{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Old:         p.Rating,
			New:         s.newRatings[i],
		}
	}
	return rec
}
