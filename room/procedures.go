package room

import (
	"context"

	"go.uber.org/zap"

	"github.com/luma/codewords/game"
	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/rpc"
	"github.com/luma/codewords/state"
)

var (
	errInvalidGameState = protocol.NewError(protocol.CodeBadRequest, "Invalid game state")
	errNotYourTurn      = protocol.NewError(protocol.CodeBadRequest, "Not your turn")
	errInvalidModel     = protocol.NewError(protocol.CodeBadRequest, "Invalid model ID")
	errTeamsIncomplete  = protocol.NewError(protocol.CodeBadRequest, "Both teams need a player")
)

type sessionCtxKey struct{}

// caller is the session a call arrived on, resolved by requireSession.
type caller struct {
	sessionID string
	session   Session
	sessions  Sessions
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(sessionCtxKey{}).(caller)
	return c
}

func (r *Room) procedures() []rpc.Procedure {
	return []rpc.Procedure{
		rpc.Mutation(PathStartGame, r.startGame, r.requireSession),
		rpc.Query(PathSync, r.sync, r.requireSession),
		rpc.Mutation(PathGiveClue, r.giveClue, r.requireSession),
		rpc.Mutation(PathSwitchTeam, r.switchTeam, r.requireSession),
	}
}

// requireSession rejects calls from connections the room has not attached.
func (r *Room) requireSession(ctx context.Context) (context.Context, error) {
	conn, ok := rpc.ConnFromContext(ctx)
	if !ok {
		return ctx, protocol.ErrUnauthorized
	}

	a, ok := r.conns[conn.ID()]
	if !ok {
		return ctx, protocol.ErrUnauthorized
	}

	sessions, err := state.Get(ctx, r.state, SessionsKey)
	if err != nil {
		return ctx, err
	}

	session, ok := sessions[a.sessionID]
	if !ok {
		return ctx, protocol.ErrUnauthorized
	}

	return context.WithValue(ctx, sessionCtxKey{}, caller{
		sessionID: a.sessionID,
		session:   session,
		sessions:  sessions,
	}), nil
}

func (r *Room) startGame(ctx context.Context, _ struct{}) (interface{}, error) {
	current, err := state.Get(ctx, r.state, GameStateKey)
	if err != nil {
		return nil, err
	}

	if current.Stage != game.StageLobby {
		return nil, errInvalidGameState
	}

	if !game.CanStart(callerFrom(ctx).sessions.Users()) {
		return nil, errTeamsIncomplete
	}

	next := game.Start(game.NewBoard(r.rng))
	if err := r.state.Put(ctx, state.Set(GameStateKey, next)); err != nil {
		return nil, err
	}

	r.log.Info("Game started", zap.String("user", callerFrom(ctx).session.ID))
	r.pushDiffs([]game.Diff{game.StateDiff(next)})

	return nil, nil
}

// sync answers with a push to the caller only; the response itself is empty.
func (r *Room) sync(ctx context.Context, _ struct{}) (interface{}, error) {
	c := callerFrom(ctx)

	current, err := state.Get(ctx, r.state, GameStateKey)
	if err != nil {
		return nil, err
	}

	conn, _ := rpc.ConnFromContext(ctx)

	err = r.mux.Correlator().Send([]rpc.Conn{conn}, rpc.Call{
		Path:   PushSync,
		Method: protocol.Mutation,
		Input: game.SyncInput{
			GameState: current,
			UserState: c.session.UserState(),
			Users:     c.sessions.Users(),
		},
	})
	if err != nil {
		r.log.Warn("Failed to push sync", zap.String("conn", conn.ID()), zap.Error(err))
	}

	return nil, nil
}

func (r *Room) giveClue(ctx context.Context, in GiveClueInput) (interface{}, error) {
	c := callerFrom(ctx)

	current, err := state.Get(ctx, r.state, GameStateKey)
	if err != nil {
		return nil, err
	}

	if current.Stage != game.StagePlaying {
		return nil, errInvalidGameState
	}

	if current.CurrentTeam != c.session.Team {
		return nil, errNotYourTurn
	}

	if !game.IsModelID(in.ModelID) {
		return nil, errInvalidModel
	}

	clue := game.Clue{
		Word:      in.Clue.Word,
		Count:     in.Clue.Count,
		GuesserID: in.ModelID,
		Team:      current.CurrentTeam,
	}

	log := r.log.With(
		zap.String("user", c.session.ID),
		zap.String("clue", clue.Word),
		zap.Int("count", clue.Count),
		zap.String("model", in.ModelID))

	guesses, err := r.guesser.Guess(ctx, game.ModelID(in.ModelID), current.Board.Unrevealed(), clue)
	if err != nil {
		log.Error("Guesser failed", zap.Error(err))
		return nil, protocol.NewError(protocol.CodeInternal, "Failed to get guesses")
	}

	next, diffs, err := game.ApplyGuesses(current, clue, guesses, log)
	if err != nil {
		return nil, err
	}

	if err := r.state.Put(ctx, state.Set(GameStateKey, next)); err != nil {
		return nil, err
	}

	log.Info("Clue played", zap.Int("guesses", len(guesses)), zap.Stringer("state", next))
	r.pushDiffs(diffs)

	return nil, nil
}

func (r *Room) switchTeam(ctx context.Context, _ struct{}) (interface{}, error) {
	c := callerFrom(ctx)

	current, err := state.Get(ctx, r.state, GameStateKey)
	if err != nil {
		return nil, err
	}

	if current.Stage != game.StageLobby {
		return nil, errInvalidGameState
	}

	c.session.Team = c.session.Team.Other()
	c.sessions[c.sessionID] = c.session

	if err := r.state.Put(ctx, state.Set(SessionsKey, c.sessions)); err != nil {
		return nil, err
	}

	r.pushPlayer(c.session)
	return nil, nil
}
