package session

import (
	"errors"
	"fmt"
	"log/slog"

	"duel_arena/internal/game"
)

// Validation errors. They are reported to the caller and never mutate state.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session not active")
	ErrNotAParticipant  = errors.New("not a participant")
	ErrNotYourTurn      = game.ErrNotYourTurn
	ErrCellOccupied     = game.ErrCellOccupied
	ErrInvalidCell      = game.ErrInvalidCell
	ErrInvalidDirection = game.ErrInvalidDirection
	ErrWrongGameKind    = errors.New("operation not supported by this game")
)

var (
	ErrAlreadyInSession = errors.New("player already in an active session")
	ErrSamePlayer       = errors.New("cannot pair a player with themselves")
	ErrRematchTaken     = errors.New("rematch already started")
	ErrInvariant        = errors.New("invariant violation")
)

// Reason maps an engine error to the short code sent to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionNotActive):
		return "session_not_active"
	case errors.Is(err, ErrNotAParticipant):
		return "not_a_participant"
	case errors.Is(err, ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, ErrCellOccupied):
		return "cell_occupied"
	case errors.Is(err, ErrInvalidCell):
		return "invalid_cell"
	case errors.Is(err, ErrInvalidDirection):
		return "invalid_direction"
	case errors.Is(err, ErrWrongGameKind):
		return "wrong_game_kind"
	case errors.Is(err, ErrAlreadyInSession):
		return "already_in_session"
	case errors.Is(err, ErrRematchTaken):
		return "rematch_taken"
	case errors.Is(err, game.ErrBoardClosed):
		return "session_not_active"
	default:
		return "internal_error"
	}
}

// Invariant reports a programmer error. Strict mode (development) panics so the
// bug surfaces immediately; otherwise it is logged and the caller refuses the operation.
func Invariant(strict bool, log *slog.Logger, msg string, args ...any) error {
	if strict {
		panic(fmt.Sprintf("invariant violated: %s %v", msg, args))
	}
	log.Error("invariant violated: "+msg, args...)
	return fmt.Errorf("%w: %s", ErrInvariant, msg)
}
