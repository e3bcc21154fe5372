package game

import (
	"errors"

	"go.uber.org/zap"
)

var ErrNotPlaying = errors.New("game is not in the playing stage")

// CanStart reports whether every team has at least one player.
func CanStart(users []UserState) bool {
	occupied := make(map[Team]bool, len(Teams))
	for _, u := range users {
		occupied[u.Team] = true
	}

	for _, team := range Teams {
		if !occupied[team] {
			return false
		}
	}

	return true
}

// Start deals a board and hands the first turn to the first team.
func Start(board Board) GameState {
	return Playing(board, Teams[0], NewClueHistory())
}

// ApplyGuesses plays clue for the current team, revealing guesses in order.
//
// The returned diffs always start with the clue and end with the resulting
// state; a selection diff sits between them for every revealed cell. Guesses
// naming a word that is not on the board, or one already revealed, are
// skipped. The first reveal that ends the turn or the game stops the
// sequence, with an assassin checked before a completed team.
func ApplyGuesses(current GameState, clue Clue, guesses []Guess, log *zap.Logger) (GameState, []Diff, error) {
	if current.Stage != StagePlaying {
		return current, nil, ErrNotPlaying
	}

	team := current.CurrentTeam
	other := team.Other()

	board := current.Board.Clone()
	clues := current.Clues.With(team, clue)

	diffs := []Diff{ClueDiff(team, clue)}

	finish := func(next GameState) (GameState, []Diff, error) {
		return next, append(diffs, StateDiff(next)), nil
	}

	for _, guess := range guesses {
		index := board.IndexOf(guess.Word)
		if index < 0 {
			log.Warn("Guessed word is not on the board", zap.String("word", guess.Word))
			continue
		}

		if board[index].Revealed {
			log.Warn("Guessed word is already revealed", zap.String("word", guess.Word))
			continue
		}

		board[index].Revealed = true
		board[index].Reason = guess.Reason
		diffs = append(diffs, SelectionDiff(index, guess.Reason))

		switch board[index].Type {
		case CellAssassin:
			return finish(Complete(board, other, clues))

		case CellType(team):
			if board.AllRevealed(CellType(team)) {
				return finish(Complete(board, team, clues))
			}

		case CellNeutral:
			return finish(Playing(board, other, clues))

		case CellType(other):
			if board.AllRevealed(CellType(other)) {
				return finish(Complete(board, other, clues))
			}

			return finish(Playing(board, other, clues))
		}
	}

	return finish(Playing(board, other, clues))
}
