package room_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/codewords/game"
	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/room"
	"github.com/luma/codewords/storage"
)

var _ = Describe("Room", func() {
	var (
		ctx      context.Context
		registry *room.Registry
		pick     func(candidates []string, clue game.Clue) ([]game.Guess, error)

		rm         *room.Room
		alice, bob *fakeConn

		aliceSession, bobSession string
	)

	deliver := func(conn *fakeConn, frame []byte) {
		Expect(rm.Deliver(ctx, conn, frame)).To(Succeed())
		Expect(rm.Flush(ctx)).To(Succeed())
	}

	currentBoard := func() game.Board {
		deliver(alice, request("sync-board", "query", "sync", nil))

		pushes := alice.Pushes("sync")
		Expect(pushes).NotTo(BeEmpty())

		var board game.Board
		Expect(json.Unmarshal([]byte(pushes[len(pushes)-1].Get("gameState.board").Raw), &board)).To(Succeed())
		alice.Reset()

		return board
	}

	BeforeEach(func() {
		ctx = context.Background()
		pick = func(candidates []string, clue game.Clue) ([]game.Guess, error) {
			return nil, nil
		}

		registry = room.NewRegistry(room.RegistryOptions{
			Backend: storage.NewInmemoryBackend(),
			Guesser: guesserFunc(func(candidates []string, clue game.Clue) ([]game.Guess, error) {
				return pick(candidates, clue)
			}),
			Rand: rand.New(rand.NewSource(42)),
		})

		var (
			id  string
			err error
		)

		id, aliceSession, err = registry.Create(ctx, "alice")
		Expect(err).To(Succeed())

		bobSession, err = registry.Join(ctx, id, "bob")
		Expect(err).To(Succeed())

		rm, err = registry.Get(ctx, id)
		Expect(err).To(Succeed())

		alice, bob = newFakeConn("conn-alice"), newFakeConn("conn-bob")
		Expect(rm.Connect(ctx, aliceSession, alice)).To(Succeed())
		Expect(rm.Connect(ctx, bobSession, bob)).To(Succeed())

		alice.Reset()
		bob.Reset()
	})

	AfterEach(func() {
		Expect(registry.Close()).To(Succeed())
	})

	Describe("startGame", func() {
		It("deals a board and broadcasts the playing state", func() {
			deliver(alice, request("1", "mutation", "startGame", nil))

			for _, conn := range []*fakeConn{alice, bob} {
				pushes := conn.Pushes("createDiffs")
				Expect(pushes).To(HaveLen(1))

				diffs := pushes[0].Get("diffs").Array()
				Expect(diffs).To(HaveLen(1))
				Expect(diffs[0].Get("type").String()).To(Equal("state"))
				Expect(diffs[0].Get("state.stage").String()).To(Equal("playing"))
				Expect(diffs[0].Get("state.currentTeam").String()).To(Equal("red"))
				Expect(diffs[0].Get("state.board.#").Int()).To(BeEquivalentTo(game.BoardSize))
			}

			Expect(alice.Response("1").Get("type").String()).To(Equal("data"))
			Expect(bob.Response("1").Exists()).To(BeFalse())
		})

		It("rejects a second start without pushing anything", func() {
			deliver(alice, request("1", "mutation", "startGame", nil))
			alice.Reset()
			bob.Reset()

			deliver(bob, request("2", "mutation", "startGame", nil))

			resp := bob.Response("2")
			Expect(resp.Get("type").String()).To(Equal("error"))
			Expect(resp.Get("error.code").Int()).To(BeEquivalentTo(protocol.CodeBadRequest))
			Expect(resp.Get("error.message").String()).To(Equal("Invalid game state"))

			Expect(alice.Frames()).To(BeEmpty())
			Expect(bob.Pushes("createDiffs")).To(BeEmpty())
		})

		It("needs a player on every team", func() {
			Expect(rm.Disconnect(ctx, bob)).To(Succeed())
			deliver(alice, request("1", "mutation", "switchTeam", nil))
			alice.Reset()

			deliver(alice, request("2", "mutation", "startGame", nil))

			Expect(alice.Response("2").Get("error.code").Int()).To(BeEquivalentTo(protocol.CodeBadRequest))
			Expect(alice.Pushes("createDiffs")).To(BeEmpty())
		})
	})

	Describe("giveClue", func() {
		var board game.Board

		clue := func(word string, count int, model string) map[string]interface{} {
			return map[string]interface{}{
				"clue":    map[string]interface{}{"word": word, "count": count},
				"modelId": model,
			}
		}

		BeforeEach(func() {
			deliver(alice, request("start", "mutation", "startGame", nil))
			board = currentBoard()
			bob.Reset()
		})

		It("reveals the guesses and hands the turn over", func() {
			reds := wordsOf(board, game.CellRed)

			var (
				seen  []string
				given game.Clue
			)
			pick = func(candidates []string, c game.Clue) ([]game.Guess, error) {
				seen, given = candidates, c
				return []game.Guess{{Word: reds[0], Reason: "first"}, {Word: reds[1], Reason: "second"}}, nil
			}

			deliver(alice, request("3", "mutation", "giveClue", clue("ocean", 2, "gpt-4o-mini")))

			Expect(seen).To(HaveLen(game.BoardSize))
			Expect(given.Team).To(Equal(game.Red))
			Expect(given.GuesserID).To(Equal("gpt-4o-mini"))
			Expect(alice.Response("3").Get("type").String()).To(Equal("data"))

			for _, conn := range []*fakeConn{alice, bob} {
				pushes := conn.Pushes("createDiffs")
				Expect(pushes).To(HaveLen(1))

				diffs := pushes[0].Get("diffs")
				Expect(diffs.Get("#.type").Value()).To(Equal([]interface{}{"clue", "selection", "selection", "state"}))
				Expect(diffs.Get("0.clue.word").String()).To(Equal("ocean"))
				Expect(diffs.Get("1.index").Int()).To(BeEquivalentTo(board.IndexOf(reds[0])))
				Expect(diffs.Get("1.reason").String()).To(Equal("first"))
				Expect(diffs.Get("2.index").Int()).To(BeEquivalentTo(board.IndexOf(reds[1])))
				Expect(diffs.Get("3.state.stage").String()).To(Equal("playing"))
				Expect(diffs.Get("3.state.currentTeam").String()).To(Equal("blue"))
			}

			after := currentBoard()
			Expect(after[board.IndexOf(reds[0])].Revealed).To(BeTrue())
			Expect(after[board.IndexOf(reds[1])].Revealed).To(BeTrue())
		})

		It("ends the game for the other team on the assassin", func() {
			assassin := wordsOf(board, game.CellAssassin)[0]
			reds := wordsOf(board, game.CellRed)
			pick = func([]string, game.Clue) ([]game.Guess, error) {
				return []game.Guess{{Word: assassin}, {Word: reds[0]}}, nil
			}

			deliver(alice, request("4", "mutation", "giveClue", clue("shadow", 2, "claude-3.5-haiku")))

			diffs := bob.Pushes("createDiffs")[0].Get("diffs")
			Expect(diffs.Get("#.type").Value()).To(Equal([]interface{}{"clue", "selection", "state"}))
			Expect(diffs.Get("2.state.stage").String()).To(Equal("complete"))
			Expect(diffs.Get("2.state.winner").String()).To(Equal("blue"))
		})

		It("ends the game for the other team when the assassin follows a correct guess", func() {
			reds := wordsOf(board, game.CellRed)
			assassin := wordsOf(board, game.CellAssassin)[0]
			pick = func([]string, game.Clue) ([]game.Guess, error) {
				return []game.Guess{{Word: reds[0]}, {Word: assassin}}, nil
			}

			deliver(alice, request("4b", "mutation", "giveClue", clue("shadow", 2, "claude-3.5-haiku")))

			Expect(alice.Response("4b").Get("type").String()).To(Equal("data"))

			for _, conn := range []*fakeConn{alice, bob} {
				diffs := conn.Pushes("createDiffs")[0].Get("diffs")
				Expect(diffs.Get("#.type").Value()).To(Equal([]interface{}{"clue", "selection", "selection", "state"}))
				Expect(diffs.Get("1.index").Int()).To(BeEquivalentTo(board.IndexOf(reds[0])))
				Expect(diffs.Get("2.index").Int()).To(BeEquivalentTo(board.IndexOf(assassin)))
				Expect(diffs.Get("3.state.stage").String()).To(Equal("complete"))
				Expect(diffs.Get("3.state.winner").String()).To(Equal("blue"))
			}

			after := currentBoard()
			Expect(after[board.IndexOf(reds[0])].Revealed).To(BeTrue())
			Expect(after[board.IndexOf(assassin)].Revealed).To(BeTrue())
		})

		It("rejects a clue from the team that is not playing", func() {
			deliver(bob, request("5", "mutation", "giveClue", clue("ocean", 1, "gpt-4o-mini")))

			resp := bob.Response("5")
			Expect(resp.Get("error.code").Int()).To(BeEquivalentTo(protocol.CodeBadRequest))
			Expect(resp.Get("error.message").String()).To(Equal("Not your turn"))
			Expect(alice.Frames()).To(BeEmpty())
		})

		It("rejects unknown models", func() {
			deliver(alice, request("6", "mutation", "giveClue", clue("ocean", 1, "gpt-2")))

			Expect(alice.Response("6").Get("error.message").String()).To(Equal("Invalid model ID"))
			Expect(bob.Frames()).To(BeEmpty())
		})

		It("rejects counts outside the board", func() {
			deliver(alice, request("7", "mutation", "giveClue", clue("ocean", 0, "gpt-4o-mini")))
			deliver(alice, request("8", "mutation", "giveClue", clue("ocean", 26, "gpt-4o-mini")))

			Expect(alice.Response("7").Get("error.code").Int()).To(BeEquivalentTo(protocol.CodeBadInput))
			Expect(alice.Response("8").Get("error.code").Int()).To(BeEquivalentTo(protocol.CodeBadInput))
			Expect(bob.Frames()).To(BeEmpty())
		})

		It("keeps the state when the guesser fails", func() {
			pick = func([]string, game.Clue) ([]game.Guess, error) {
				return nil, context.DeadlineExceeded
			}

			deliver(alice, request("9", "mutation", "giveClue", clue("ocean", 1, "gpt-4o-mini")))

			Expect(alice.Response("9").Get("error.code").Int()).To(BeEquivalentTo(protocol.CodeInternal))
			Expect(bob.Frames()).To(BeEmpty())
			Expect(currentBoard()).To(Equal(board))
		})
	})

	Describe("switchTeam", func() {
		It("moves the caller to the other team in the lobby", func() {
			deliver(alice, request("1", "mutation", "switchTeam", nil))

			pushes := bob.Pushes("changePlayerState")
			Expect(pushes).To(HaveLen(1))
			Expect(pushes[0].Get("userState.username").String()).To(Equal("alice"))
			Expect(pushes[0].Get("userState.team").String()).To(Equal("blue"))
		})

		It("is refused once the game started", func() {
			deliver(alice, request("1", "mutation", "startGame", nil))
			bob.Reset()

			deliver(alice, request("2", "mutation", "switchTeam", nil))

			Expect(alice.Response("2").Get("error.message").String()).To(Equal("Invalid game state"))
			Expect(bob.Frames()).To(BeEmpty())
		})
	})

	Describe("sync", func() {
		It("pushes the full state to the caller only", func() {
			deliver(bob, request("1", "query", "sync", nil))

			pushes := bob.Pushes("sync")
			Expect(pushes).To(HaveLen(1))
			Expect(pushes[0].Get("gameState.stage").String()).To(Equal("lobby"))
			Expect(pushes[0].Get("userState.username").String()).To(Equal("bob"))
			Expect(pushes[0].Get("userState.team").String()).To(Equal("blue"))
			Expect(pushes[0].Get("users.#").Int()).To(BeEquivalentTo(2))

			Expect(bob.Response("1").Get("type").String()).To(Equal("data"))
			Expect(alice.Frames()).To(BeEmpty())
		})

		It("ignores fire-and-forget calls for the response but still pushes", func() {
			frame := []byte(`{"id":null,"jsonrpc":"2.0","method":"query","params":{"path":"sync"}}`)
			deliver(bob, frame)

			Expect(bob.Frames()).To(HaveLen(1))
			Expect(bob.Pushes("sync")).To(HaveLen(1))
		})
	})

	Describe("connections", func() {
		It("refuses unknown sessions", func() {
			err := rm.Connect(ctx, "not-a-session", newFakeConn("conn-eve"))
			Expect(err).To(MatchError(protocol.ErrUnauthorized))
		})

		It("marks a player disconnected when its last connection leaves", func() {
			Expect(rm.Disconnect(ctx, bob)).To(Succeed())
			Expect(rm.Flush(ctx)).To(Succeed())

			pushes := alice.Pushes("changePlayerState")
			Expect(pushes).To(HaveLen(1))
			Expect(pushes[0].Get("userState.username").String()).To(Equal("bob"))
			Expect(pushes[0].Get("userState.status").String()).To(Equal("disconnected"))

			Expect(rm.Connections(ctx)).To(Equal(1))
		})

		It("keeps a player connected while another of its connections is open", func() {
			second := newFakeConn("conn-alice-2")
			Expect(rm.Connect(ctx, aliceSession, second)).To(Succeed())
			Expect(rm.Disconnect(ctx, alice)).To(Succeed())
			Expect(rm.Flush(ctx)).To(Succeed())

			pushes := bob.Pushes("changePlayerState")
			Expect(pushes).To(HaveLen(2))
			Expect(pushes[1].Get("userState.status").String()).To(Equal("connected"))
		})

		It("drops frames from detached connections", func() {
			Expect(rm.Disconnect(ctx, bob)).To(Succeed())
			bob.Reset()

			deliver(bob, request("1", "query", "sync", nil))
			Expect(bob.Frames()).To(BeEmpty())
		})

		It("answers PING on an attached connection", func() {
			deliver(alice, []byte("PING"))
			Expect(alice.RawFrames()).To(Equal([]string{"PONG"}))
		})

		It("closes every connection when the room closes", func() {
			Expect(rm.Close()).To(Succeed())

			Expect(alice.Closed()).To(BeTrue())
			Expect(bob.Closed()).To(BeTrue())
			Eventually(rm.Done()).Should(BeClosed())
		})
	})
})

var _ = Describe("Room expiry", func() {
	It("wipes its state and closes connections once the TTL elapses", func() {
		ctx := context.Background()
		backend := storage.NewInmemoryBackend()

		registry := room.NewRegistry(room.RegistryOptions{
			Backend: backend,
			Guesser: game.NewRandomGuesser(rand.New(rand.NewSource(1))),
			TTL:     50 * time.Millisecond,
		})
		defer registry.Close()

		id, session, err := registry.Create(ctx, "alice")
		Expect(err).To(Succeed())

		rm, err := registry.Get(ctx, id)
		Expect(err).To(Succeed())

		conn := newFakeConn("conn-alice")
		Expect(rm.Connect(ctx, session, conn)).To(Succeed())

		Eventually(rm.Done(), time.Second).Should(BeClosed())
		Expect(conn.Closed()).To(BeTrue())
		Eventually(registry.Len).Should(BeZero())

		_, err = registry.Get(ctx, id)
		Expect(err).To(MatchError(room.ErrRoomNotFound))
	})
})
