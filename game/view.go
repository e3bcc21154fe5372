package game

import (
	"fmt"
	"sync"
)

// SyncInput is the full state pushed to one connection.
type SyncInput struct {
	GameState GameState   `json:"gameState"`
	UserState UserState   `json:"userState"`
	Users     []UserState `json:"users"`
}

// CreateDiffsInput carries the ordered diffs of one mutation.
type CreateDiffsInput struct {
	Diffs []Diff `json:"diffs"`
}

// ChangePlayerStateInput announces a player joining, switching team or
// changing connection status.
type ChangePlayerStateInput struct {
	UserState UserState `json:"userState"`
}

// View is a player's copy of a room, kept up to date from pushes.
type View struct {
	mu sync.Mutex

	ready bool
	state GameState
	me    UserState
	users []UserState
	diffs []Diff
}

func NewView() *View {
	return &View{state: Lobby()}
}

func (v *View) Sync(in SyncInput) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.ready = true
	v.state = in.GameState
	v.me = in.UserState
	v.users = append([]UserState(nil), in.Users...)
}

// ApplyDiffs applies diffs in order. Applying the diffs of every mutation
// since the last sync yields the state a fresh sync would deliver.
func (v *View) ApplyDiffs(diffs []Diff) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, d := range diffs {
		switch d.Type {
		case DiffClue:
			v.state.Clues = v.state.Clues.With(d.Team, d.Clue)

		case DiffSelection:
			if d.Index < 0 || d.Index >= len(v.state.Board) {
				return fmt.Errorf("selection %d is off the board", d.Index)
			}

			v.state.Board = v.state.Board.Clone()
			v.state.Board[d.Index].Revealed = true
			v.state.Board[d.Index].Reason = d.Reason

		case DiffState:
			v.state = *d.State

		default:
			return fmt.Errorf("unknown diff type %q", d.Type)
		}
	}

	v.diffs = append([]Diff(nil), diffs...)
	return nil
}

// ChangePlayer replaces the player with the same id, or adds it.
func (v *View) ChangePlayer(u UserState) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.me.ID == u.ID {
		v.me = u
	}

	for i := range v.users {
		if v.users[i].ID == u.ID {
			v.users[i] = u
			return
		}
	}

	v.users = append(v.users, u)
}

func (v *View) Ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.ready
}

func (v *View) State() GameState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

func (v *View) Me() UserState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.me
}

func (v *View) Users() []UserState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]UserState(nil), v.users...)
}

// LastDiffs returns the diffs of the most recent mutation.
func (v *View) LastDiffs() []Diff {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]Diff(nil), v.diffs...)
}
