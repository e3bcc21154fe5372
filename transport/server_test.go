package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/codewords/client"
	"github.com/luma/codewords/game"
	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/room"
	"github.com/luma/codewords/storage"
	"github.com/luma/codewords/transport"
)

type session struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
}

var _ = Describe("Server", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		registry *room.Registry
		server   *transport.Server
		base     string
	)

	post := func(path, body string) *http.Response {
		resp, err := http.Post(base+path, "application/json", strings.NewReader(body))
		Expect(err).To(Succeed())
		return resp
	}

	decode := func(resp *http.Response) session {
		defer resp.Body.Close()

		var out session
		Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
		return out
	}

	wsURL := func(path string) string {
		return "ws" + strings.TrimPrefix(base, "http") + path
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		log, err := zap.NewDevelopment()
		Expect(err).To(Succeed())

		registry = room.NewRegistry(room.RegistryOptions{
			Backend: storage.NewInmemoryBackend(),
			Guesser: game.NewRandomGuesser(rand.New(rand.NewSource(9))),
			Log:     log,
		})

		server = transport.NewServer(transport.Options{
			Host:     "127.0.0.1",
			Port:     0,
			Registry: registry,
			Log:      log,
		})
		Expect(server.Start()).To(Succeed())

		base = "http://" + server.Addr().String()
	})

	AfterEach(func() {
		Expect(server.Shutdown(ctx)).To(Succeed())
		Expect(registry.Close()).To(Succeed())
		cancel()
	})

	It("answers pings", func() {
		resp, err := http.Get(base + "/ping")
		Expect(err).To(Succeed())
		defer resp.Body.Close()

		body, err := ioutil.ReadAll(resp.Body)
		Expect(err).To(Succeed())
		Expect(string(body)).To(Equal("pong"))
	})

	It("serves metrics", func() {
		resp, err := http.Get(base + "/metrics")
		Expect(err).To(Succeed())
		defer resp.Body.Close()

		body, err := ioutil.ReadAll(resp.Body)
		Expect(err).To(Succeed())
		Expect(string(body)).To(ContainSubstring("codewords_room_live"))
	})

	Describe("provisioning", func() {
		It("creates a room and hands out a session cookie", func() {
			resp := post("/create-room", `{"username":"alice"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var cookie *http.Cookie
			for _, c := range resp.Cookies() {
				if c.Name == transport.SessionCookie {
					cookie = c
				}
			}

			out := decode(resp)
			Expect(out.ID).To(MatchRegexp(`^[A-Z]{8}$`))
			Expect(cookie).NotTo(BeNil())
			Expect(cookie.Value).To(Equal(out.SessionID))
			Expect(cookie.HttpOnly).To(BeTrue())
		})

		It("requires a username", func() {
			resp := post("/create-room", `{}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("joins existing rooms only", func() {
			resp := post("/room/NOSUCHRM/join", `{"username":"bob"}`)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			created := decode(post("/create-room", `{"username":"alice"}`))

			resp = post("/room/"+created.ID+"/join", `{"username":"bob"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			joined := decode(resp)
			Expect(joined.ID).To(Equal(created.ID))
			Expect(joined.SessionID).NotTo(BeEmpty())
			Expect(joined.SessionID).NotTo(Equal(created.SessionID))
		})

		It("renders a join QR code", func() {
			created := decode(post("/create-room", `{"username":"alice"}`))

			resp, err := http.Get(base + "/room/" + created.ID + "/qr")
			Expect(err).To(Succeed())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))

			body, err := ioutil.ReadAll(resp.Body)
			Expect(err).To(Succeed())
			Expect(bytes.HasPrefix(body, []byte("\x89PNG"))).To(BeTrue())

			missing, err := http.Get(base + "/room/NOSUCHRM/qr")
			Expect(err).To(Succeed())
			missing.Body.Close()
			Expect(missing.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("connecting", func() {
		var created session

		BeforeEach(func() {
			created = decode(post("/create-room", `{"username":"alice"}`))
		})

		It("wants a WebSocket upgrade", func() {
			resp, err := http.Get(base + "/room/" + created.ID)
			Expect(err).To(Succeed())
			resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusUpgradeRequired))
		})

		It("refuses unknown rooms and sessions before upgrading", func() {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL("/room/NOSUCHRM?sessionId="+created.SessionID), nil)
			Expect(err).To(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			_, resp, err = websocket.DefaultDialer.Dial(wsURL("/room/"+created.ID+"?sessionId=nope"), nil)
			Expect(err).To(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("answers PING with PONG", func() {
			ws, _, err := websocket.DefaultDialer.Dial(wsURL("/room/"+created.ID+"?sessionId="+created.SessionID), nil)
			Expect(err).To(Succeed())
			defer ws.Close()

			Expect(ws.WriteMessage(websocket.TextMessage, []byte("PING"))).To(Succeed())

			Eventually(func() string {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return err.Error()
				}

				return string(data)
			}).Should(Equal("PONG"))
		})

		It("plays a game between two clients", func() {
			joined := decode(post("/room/"+created.ID+"/join", `{"username":"bob"}`))

			dial := func(sessionID string) *client.Client {
				c, err := client.New(client.Options{
					URL:          wsURL("/room/" + created.ID),
					SessionID:    sessionID,
					PingInterval: -1,
				})
				Expect(err).To(Succeed())
				Expect(c.Dial(ctx)).To(Succeed())
				return c
			}

			alice, bob := dial(created.SessionID), dial(joined.SessionID)
			defer alice.Close()
			defer bob.Close()

			Eventually(alice.View().Ready).Should(BeTrue())
			Eventually(bob.View().Ready).Should(BeTrue())
			Expect(alice.View().Me().Team).To(Equal(game.Red))
			Expect(bob.View().Me().Team).To(Equal(game.Blue))

			Expect(alice.StartGame(ctx)).To(Succeed())

			Eventually(func() game.Stage { return bob.View().State().Stage }).Should(Equal(game.StagePlaying))
			Expect(bob.View().State().Board).To(HaveLen(game.BoardSize))

			Expect(bob.GiveClue(ctx, "ocean", 1, "gpt-4o-mini")).To(MatchError(ContainSubstring("Not your turn")))
			Expect(alice.GiveClue(ctx, "ocean", 1, "gpt-4o-mini")).To(Succeed())

			Eventually(func() []game.Diff { return bob.View().LastDiffs() }).Should(HaveLen(3))
			Eventually(func() game.GameState { return bob.View().State() }).Should(Equal(alice.View().State()))

			revealed := 0
			for _, cell := range bob.View().State().Board {
				if cell.Revealed {
					revealed++
				}
			}
			Expect(revealed).To(Equal(1))
		})

		It("closes sockets on shutdown", func() {
			ws, _, err := websocket.DefaultDialer.Dial(wsURL("/room/"+created.ID+"?sessionId="+created.SessionID), nil)
			Expect(err).To(Succeed())
			defer ws.Close()

			Expect(server.Shutdown(ctx)).To(Succeed())

			_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					Expect(websocket.IsCloseError(err, websocket.CloseNormalClosure)).To(BeTrue())
					break
				}
			}
		})
	})
})

var _ = Describe("Receive rate", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		registry *room.Registry
		server   *transport.Server
		base     string
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)

		registry = room.NewRegistry(room.RegistryOptions{
			Backend: storage.NewInmemoryBackend(),
			Guesser: game.NewRandomGuesser(rand.New(rand.NewSource(4))),
		})

		server = transport.NewServer(transport.Options{
			Host:         "127.0.0.1",
			Registry:     registry,
			ReceiveRate:  1,
			ReceiveBurst: 1,
		})
		Expect(server.Start()).To(Succeed())

		base = "http://" + server.Addr().String()
	})

	AfterEach(func() {
		Expect(server.Shutdown(ctx)).To(Succeed())
		Expect(registry.Close()).To(Succeed())
		cancel()
	})

	It("answers every request over the limit that carries an id", func() {
		resp, err := http.Post(base+"/create-room", "application/json", strings.NewReader(`{"username":"alice"}`))
		Expect(err).To(Succeed())

		var created session
		Expect(json.NewDecoder(resp.Body).Decode(&created)).To(Succeed())
		resp.Body.Close()

		url := "ws" + strings.TrimPrefix(base, "http") + "/room/" + created.ID + "?sessionId=" + created.SessionID
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		Expect(err).To(Succeed())
		defer ws.Close()

		ids := []string{"r0", "r1", "r2", "r3", "r4"}
		for _, id := range ids {
			frame := `{"id":"` + id + `","jsonrpc":"2.0","method":"mutation","params":{"path":"switchTeam"}}`
			Expect(ws.WriteMessage(websocket.TextMessage, []byte(frame))).To(Succeed())
		}

		// A fire-and-forget request over the limit gets nothing back.
		Expect(ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"id":null,"jsonrpc":"2.0","method":"mutation","params":{"path":"switchTeam"}}`))).To(Succeed())

		responses := map[string]gjson.Result{}

		_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
		for len(responses) < len(ids) {
			_, data, err := ws.ReadMessage()
			Expect(err).To(Succeed())

			frame := gjson.ParseBytes(data)
			if frame.Get("result").Exists() {
				responses[frame.Get("id").String()] = frame.Get("result")
			}
		}

		Expect(responses["r0"].Get("type").String()).To(Equal("data"))

		for _, id := range ids[1:] {
			Expect(responses).To(HaveKey(id))
			Expect(responses[id].Get("type").String()).To(Equal("error"))
			Expect(responses[id].Get("error.code").Int()).To(BeEquivalentTo(protocol.CodeBadRequest))
			Expect(responses[id].Get("error.message").String()).To(Equal("Rate limited"))
		}
	})
})

var _ = Describe("Reuseport", func() {
	It("lets two servers share a port", func() {
		registry := room.NewRegistry(room.RegistryOptions{
			Backend: storage.NewInmemoryBackend(),
			Guesser: game.NewRandomGuesser(rand.New(rand.NewSource(1))),
		})
		defer registry.Close()

		first := transport.NewServer(transport.Options{Host: "127.0.0.1", Port: 6682, Reuseport: true, Registry: registry})
		Expect(first.Start()).To(Succeed())
		defer first.Shutdown(context.Background())

		second := transport.NewServer(transport.Options{Host: "127.0.0.1", Port: 6682, Reuseport: true, Registry: registry})
		Expect(second.Start()).To(Succeed())
		defer second.Shutdown(context.Background())

		resp, err := http.Get("http://127.0.0.1:6682/ping")
		Expect(err).To(Succeed())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})
})
