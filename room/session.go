package room

import (
	"sort"

	"github.com/luma/codewords/game"
	"github.com/luma/codewords/state"
)

// Session is a player's membership of a room. It outlives the player's
// connections so a reconnect keeps the seat.
type Session struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Team        game.Team `json:"team"`
	Connections int       `json:"connections"`
}

func (s Session) UserState() game.UserState {
	status := game.StatusDisconnected
	if s.Connections > 0 {
		status = game.StatusConnected
	}

	return game.UserState{
		ID:       s.ID,
		Username: s.Username,
		Team:     s.Team,
		Status:   status,
	}
}

// Sessions maps opaque session ids to their session.
type Sessions map[string]Session

// Users returns the public view of every session ordered by user id.
func (s Sessions) Users() []game.UserState {
	users := make([]game.UserState, 0, len(s))
	for _, session := range s {
		users = append(users, session.UserState())
	}

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// NextTeam is the team a new player joins, alternating from red.
func (s Sessions) NextTeam() game.Team {
	return game.Teams[len(s)%len(game.Teams)]
}

var (
	SessionsKey  = state.Key[Sessions]{Name: "userSessions", Default: func() Sessions { return Sessions{} }}
	GameStateKey = state.Key[game.GameState]{Name: "gameState", Default: game.Lobby}
	CreatedKey   = state.Key[bool]{Name: "created"}
)
