package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
)

type Kind string

const (
	KindTicTacToe Kind = "tictactoe"
	KindPong      Kind = "pong"
)

// Side identifies a participant slot inside a session. A always moves first
// on the board and owns the left paddle.
type Side int

const (
	SideNone Side = -1
	SideA    Side = 0
	SideB    Side = 1
)

func (s Side) Other() Side {
	switch s {
	case SideA:
		return SideB
	case SideB:
		return SideA
	default:
		return SideNone
	}
}

func (s Side) Mark() Mark {
	switch s {
	case SideA:
		return MarkA
	case SideB:
		return MarkB
	default:
		return Empty
	}
}

func (s Side) String() string {
	return string(s.Mark())
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.Mark()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch Mark(b) {
	case MarkA:
		*s = SideA
	case MarkB:
		*s = SideB
	case Empty:
		*s = SideNone
	default:
		return fmt.Errorf("unknown side %q", string(b))
	}
	return nil
}

// State is the game-specific part of a session: either *Board or *Pong.
type State interface {
	Kind() Kind
	Clone() State
	isState()
}

var (
	ErrUnknownKind  = errors.New("unknown game kind")
	ErrUnknownMap   = errors.New("unknown map")
	ErrInvalidSpeed = errors.New("invalid speed multiplier")
)

var maps = map[string][2]float64{
	"classic": {800, 600},
	"wide":    {1000, 600},
}

var speeds = []float64{1, 1.5, 2}

// Options are the matchmaking-visible game settings. Only the continuous
// game reads Map, Speed and PowerUps.
type Options struct {
	Kind     Kind    `json:"kind"`
	Map      string  `json:"map,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	PowerUps bool    `json:"power_ups,omitempty"`
}

// Normalize fills defaults and rejects unsupported settings.
func (o Options) Normalize() (Options, error) {
	switch o.Kind {
	case "", KindTicTacToe:
		return Options{Kind: KindTicTacToe}, nil
	case KindPong:
	default:
		return o, fmt.Errorf("%w: %s", ErrUnknownKind, o.Kind)
	}

	if o.Map == "" {
		o.Map = "classic"
	}
	if _, ok := maps[o.Map]; !ok {
		return o, fmt.Errorf("%w: %s", ErrUnknownMap, o.Map)
	}
	if o.Speed == 0 {
		o.Speed = 1
	}
	valid := false
	for _, s := range speeds {
		if o.Speed == s {
			valid = true
			break
		}
	}
	if !valid {
		return o, fmt.Errorf("%w: %v", ErrInvalidSpeed, o.Speed)
	}
	return o, nil
}

// ConfigKey is the canonical encoding used to decide pairing compatibility.
// Call it on normalized options.
func (o Options) ConfigKey() string {
	if o.Kind != KindPong {
		return string(KindTicTacToe)
	}
	pu := "0"
	if o.PowerUps {
		pu = "1"
	}
	return "pong:map=" + o.Map + ";powerups=" + pu + ";speed=" + strconv.FormatFloat(o.Speed, 'f', -1, 64)
}

// NewState returns the starting state for normalized options.
func NewState(o Options, winningScore int, rng *rand.Rand) (State, error) {
	switch o.Kind {
	case KindTicTacToe:
		return NewBoard(), nil
	case KindPong:
		return NewPong(o, winningScore, rng), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, o.Kind)
	}
}

// DecodeState rebuilds a State from its JSON form.
func DecodeState(kind Kind, raw []byte) (State, error) {
	var st State
	switch kind {
	case KindTicTacToe:
		st = &Board{}
	case KindPong:
		st = &Pong{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", kind, err)
	}
	return st, nil
}
