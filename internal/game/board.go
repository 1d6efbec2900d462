package game

import "errors"

type Mark string

const (
	Empty Mark = ""
	MarkA Mark = "A"
	MarkB Mark = "B"
)

const BoardSize = 9

var (
	ErrInvalidCell  = errors.New("invalid cell")
	ErrCellOccupied = errors.New("cell occupied")
	ErrNotYourTurn  = errors.New("not your turn")
	ErrBoardClosed  = errors.New("board already decided")
)

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Board is the discrete variant: a 3x3 grid with alternating turns.
type Board struct {
	Cells [BoardSize]Mark `json:"cells"`
	Turn  Side            `json:"turn"`
	Moves int             `json:"moves"`
}

func NewBoard() *Board {
	return &Board{Turn: SideA}
}

func (b *Board) Kind() Kind { return KindTicTacToe }

func (b *Board) Clone() State {
	cp := *b
	return &cp
}

func (b *Board) isState() {}

// Place marks pos for side and passes the turn. The board is left untouched on error.
func (b *Board) Place(side Side, pos int) error {
	if _, done := b.Result(); done {
		return ErrBoardClosed
	}
	if side != b.Turn {
		return ErrNotYourTurn
	}
	if pos < 0 || pos >= BoardSize {
		return ErrInvalidCell
	}
	if b.Cells[pos] != Empty {
		return ErrCellOccupied
	}

	b.Cells[pos] = side.Mark()
	b.Moves++
	b.Turn = side.Other()
	return nil
}

// Winner returns the side owning a complete line, or SideNone.
func (b *Board) Winner() Side {
	for _, l := range lines {
		m := b.Cells[l[0]]
		if m != Empty && m == b.Cells[l[1]] && m == b.Cells[l[2]] {
			if m == MarkA {
				return SideA
			}
			return SideB
		}
	}
	return SideNone
}

func (b *Board) Full() bool {
	for _, c := range b.Cells {
		if c == Empty {
			return false
		}
	}
	return true
}

// Result reports whether the board is decided and who won (SideNone on a draw).
func (b *Board) Result() (Side, bool) {
	if w := b.Winner(); w != SideNone {
		return w, true
	}
	if b.Full() {
		return SideNone, true
	}
	return SideNone, false
}
