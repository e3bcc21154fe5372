package game

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

type DiffType string

const (
	DiffClue      DiffType = "clue"
	DiffSelection DiffType = "selection"
	DiffState     DiffType = "state"
)

// Diff is one incremental change broadcast after a mutation. Which fields
// are meaningful depends on Type:
//
//	clue       Team, Clue
//	selection  Index, Reason
//	state      State
type Diff struct {
	Type DiffType

	Team Team
	Clue Clue

	Index  int
	Reason string

	State *GameState
}

func ClueDiff(team Team, clue Clue) Diff {
	return Diff{Type: DiffClue, Team: team, Clue: clue}
}

func SelectionDiff(index int, reason string) Diff {
	return Diff{Type: DiffSelection, Index: index, Reason: reason}
}

func StateDiff(state GameState) Diff {
	return Diff{Type: DiffState, State: &state}
}

type clueDiffJSON struct {
	Type DiffType `json:"type"`
	Team Team     `json:"team"`
	Clue Clue     `json:"clue"`
}

type selectionDiffJSON struct {
	Type   DiffType `json:"type"`
	Index  int      `json:"index"`
	Reason string   `json:"reason,omitempty"`
}

type stateDiffJSON struct {
	Type  DiffType   `json:"type"`
	State *GameState `json:"state"`
}

func (d Diff) MarshalJSON() ([]byte, error) {
	switch d.Type {
	case DiffClue:
		return json.Marshal(clueDiffJSON{Type: d.Type, Team: d.Team, Clue: d.Clue})

	case DiffSelection:
		return json.Marshal(selectionDiffJSON{Type: d.Type, Index: d.Index, Reason: d.Reason})

	case DiffState:
		if d.State == nil {
			return nil, fmt.Errorf("state diff without a state")
		}

		return json.Marshal(stateDiffJSON{Type: d.Type, State: d.State})

	default:
		return nil, fmt.Errorf("unknown diff type %q", d.Type)
	}
}

func (d *Diff) UnmarshalJSON(data []byte) error {
	switch DiffType(gjson.GetBytes(data, "type").String()) {
	case DiffClue:
		var v clueDiffJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}

		*d = ClueDiff(v.Team, v.Clue)

	case DiffSelection:
		var v selectionDiffJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}

		*d = SelectionDiff(v.Index, v.Reason)

	case DiffState:
		var v stateDiffJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}

		if v.State == nil {
			return fmt.Errorf("state diff without a state")
		}

		*d = StateDiff(*v.State)

	default:
		return fmt.Errorf("unknown diff type %q", gjson.GetBytes(data, "type").String())
	}

	return nil
}
