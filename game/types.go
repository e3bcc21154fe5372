package game

import "fmt"

type Team string

const (
	Red  Team = "red"
	Blue Team = "blue"
)

// Teams lists every team in turn order.
var Teams = []Team{Red, Blue}

func (t Team) Valid() bool {
	return t == Red || t == Blue
}

func (t Team) Other() Team {
	if t == Red {
		return Blue
	}

	return Red
}

// CellType is what a board word turns out to be once revealed.
type CellType string

const (
	CellRed      = CellType(Red)
	CellBlue     = CellType(Blue)
	CellNeutral  CellType = "neutral"
	CellAssassin CellType = "assassin"
)

type Cell struct {
	Word     string   `json:"word"`
	Type     CellType `json:"type"`
	Revealed bool     `json:"revealed"`
	Reason   string   `json:"reason,omitempty"`
}

type Board []Cell

func (b Board) Clone() Board {
	if b == nil {
		return nil
	}

	return append(Board(nil), b...)
}

// IndexOf returns the index of word on the board, or -1.
func (b Board) IndexOf(word string) int {
	for i, cell := range b {
		if cell.Word == word {
			return i
		}
	}

	return -1
}

// Unrevealed returns the words still face down, in board order.
func (b Board) Unrevealed() []string {
	words := make([]string, 0, len(b))
	for _, cell := range b {
		if !cell.Revealed {
			words = append(words, cell.Word)
		}
	}

	return words
}

// AllRevealed reports whether every cell of type t has been revealed.
func (b Board) AllRevealed(t CellType) bool {
	for _, cell := range b {
		if cell.Type == t && !cell.Revealed {
			return false
		}
	}

	return true
}

type Clue struct {
	Word      string `json:"word"`
	Count     int    `json:"count"`
	GuesserID string `json:"guesserId"`
	Team      Team   `json:"team"`
}

// ClueHistory holds the clues each team has given, oldest first.
type ClueHistory map[Team][]Clue

func NewClueHistory() ClueHistory {
	h := make(ClueHistory, len(Teams))
	for _, team := range Teams {
		h[team] = []Clue{}
	}

	return h
}

// With returns a copy of h with clue appended to team's history.
func (h ClueHistory) With(team Team, clue Clue) ClueHistory {
	out := NewClueHistory()
	for t, clues := range h {
		out[t] = append([]Clue{}, clues...)
	}

	out[team] = append(out[team], clue)
	return out
}

type Stage string

const (
	StageLobby    Stage = "lobby"
	StagePlaying  Stage = "playing"
	StageComplete Stage = "complete"
)

// GameState is tagged by Stage. Board and Clues are set once playing,
// CurrentTeam only while playing and Winner only when complete.
type GameState struct {
	Stage       Stage       `json:"stage"`
	Board       Board       `json:"board,omitempty"`
	CurrentTeam Team        `json:"currentTeam,omitempty"`
	Winner      Team        `json:"winner,omitempty"`
	Clues       ClueHistory `json:"clues,omitempty"`
}

func Lobby() GameState {
	return GameState{Stage: StageLobby}
}

func Playing(board Board, current Team, clues ClueHistory) GameState {
	return GameState{Stage: StagePlaying, Board: board, CurrentTeam: current, Clues: clues}
}

func Complete(board Board, winner Team, clues ClueHistory) GameState {
	return GameState{Stage: StageComplete, Board: board, Winner: winner, Clues: clues}
}

func (s GameState) String() string {
	switch s.Stage {
	case StagePlaying:
		return fmt.Sprintf("playing(%s)", s.CurrentTeam)

	case StageComplete:
		return fmt.Sprintf("complete(%s won)", s.Winner)

	default:
		return string(s.Stage)
	}
}

type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// UserState is the public view of a player.
type UserState struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Team     Team   `json:"team"`
	Status   Status `json:"status"`
}
