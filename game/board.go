package game

import (
	_ "embed"
	"math/rand"
	"strings"
)

// BoardSize is the number of cells on a board.
const BoardSize = 25

// Layout is how many cells of each type a new board gets. It adds up to
// BoardSize, with the starting team holding one more word than the other.
var Layout = []struct {
	Type  CellType
	Count int
}{
	{CellRed, 9},
	{CellBlue, 8},
	{CellNeutral, 7},
	{CellAssassin, 1},
}

//go:embed words.txt
var wordList string

// Words is the embedded word list boards are drawn from.
var Words = strings.Fields(wordList)

// NewBoard deals a shuffled board from Words.
func NewBoard(rng *rand.Rand) Board {
	return NewBoardFrom(rng, Words)
}

// NewBoardFrom deals a shuffled board from words, which must hold at least
// BoardSize distinct entries.
func NewBoardFrom(rng *rand.Rand, words []string) Board {
	picked := append([]string(nil), words...)
	rng.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})

	board := make(Board, 0, BoardSize)
	for _, l := range Layout {
		for n := 0; n < l.Count; n++ {
			board = append(board, Cell{Word: picked[len(board)], Type: l.Type})
		}
	}

	rng.Shuffle(len(board), func(i, j int) {
		board[i], board[j] = board[j], board[i]
	})

	return board
}
