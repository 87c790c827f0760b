package election

import (
	"errors"
	"fmt"
)

// Mark is a board cell owner and a player identity.
type Mark uint8

const (
	Empty Mark = iota
	MarkX
	MarkO
)

func (m Mark) String() string {
	switch m {
	case MarkX:
		return "X"
	case MarkO:
		return "O"
	default:
		return " "
	}
}

// ErrIllegalMove is returned for a move out of turn order, off the board
// or onto an occupied cell.
var ErrIllegalMove = errors.New("illegal move")

// Game is a two-player turn game both devices replay identically from the
// same move sequence. X always moves first.
type Game interface {
	MakeMove(cell int) error
	IsGameOver() bool
	// Winner is Empty while the game runs and after a draw.
	Winner() Mark
	Turn() Mark
	Moves() []int
}

var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// TicTacToe is the default Game.
type TicTacToe struct {
	board  [9]Mark
	turn   Mark
	winner Mark
	played int
}

// NewTicTacToe returns an empty board with X to move.
func NewTicTacToe() *TicTacToe {
	return &TicTacToe{turn: MarkX}
}

// MakeMove places the current player's mark on cell 0..8.
func (g *TicTacToe) MakeMove(cell int) error {
	if g.IsGameOver() {
		return fmt.Errorf("cell %d: game over: %w", cell, ErrIllegalMove)
	}
	if cell < 0 || cell >= len(g.board) {
		return fmt.Errorf("cell %d: off board: %w", cell, ErrIllegalMove)
	}
	if g.board[cell] != Empty {
		return fmt.Errorf("cell %d: occupied: %w", cell, ErrIllegalMove)
	}

	g.board[cell] = g.turn
	g.played++
	for _, l := range lines {
		if g.board[l[0]] == g.turn && g.board[l[1]] == g.turn && g.board[l[2]] == g.turn {
			g.winner = g.turn
			break
		}
	}
	if g.turn == MarkX {
		g.turn = MarkO
	} else {
		g.turn = MarkX
	}
	return nil
}

func (g *TicTacToe) IsGameOver() bool {
	return g.winner != Empty || g.played == len(g.board)
}

func (g *TicTacToe) Winner() Mark { return g.winner }

func (g *TicTacToe) Turn() Mark { return g.turn }

// Moves lists the empty cells.
func (g *TicTacToe) Moves() []int {
	if g.IsGameOver() {
		return nil
	}
	out := make([]int, 0, len(g.board)-g.played)
	for i, m := range g.board {
		if m == Empty {
			out = append(out, i)
		}
	}
	return out
}

// Open reports whether cell is on the board and empty.
func (g *TicTacToe) Open(cell int) bool {
	return cell >= 0 && cell < len(g.board) && g.board[cell] == Empty
}

func (g *TicTacToe) String() string {
	b := make([]byte, 0, 12)
	for i, m := range g.board {
		b = append(b, m.String()...)
		if i%3 == 2 && i != 8 {
			b = append(b, '/')
		}
	}
	return string(b)
}
