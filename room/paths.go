package room

import (
	"fmt"
	"strings"

	"github.com/luma/codewords/game"
	"github.com/luma/codewords/rpc"
)

// Procedures a room serves to its players.
const (
	PathStartGame  rpc.Path = "startGame"
	PathSync       rpc.Path = "sync"
	PathGiveClue   rpc.Path = "giveClue"
	PathSwitchTeam rpc.Path = "switchTeam"
)

// Procedures a room calls on its players.
const (
	PushSync              rpc.Path = "sync"
	PushCreateDiffs       rpc.Path = "createDiffs"
	PushChangePlayerState rpc.Path = "changePlayerState"
)

type ClueInput struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

type GiveClueInput struct {
	Clue    ClueInput `json:"clue"`
	ModelID string    `json:"modelId"`
}

func (in GiveClueInput) Validate() error {
	if strings.TrimSpace(in.Clue.Word) == "" {
		return fmt.Errorf("clue word is required")
	}

	if in.Clue.Count < 1 || in.Clue.Count > game.BoardSize {
		return fmt.Errorf("clue count must be between 1 and %d", game.BoardSize)
	}

	return nil
}
