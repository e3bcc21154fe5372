package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/luma/codewords/internal/metrics"
	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/rpc"
)

var _ = Describe("Correlator", func() {
	var (
		codec      *protocol.Codec
		correlator *rpc.Correlator
		conn       *fakeConn
	)

	clue := rpc.Call{Path: "giveClue", Method: protocol.Mutation, Input: map[string]interface{}{"word": "ocean", "count": 2}}

	BeforeEach(func() {
		codec = protocol.NewCodec(nil)
		correlator = rpc.NewCorrelator(codec, zap.NewNop())
		conn = newFakeConn("conn-1")
		Expect(correlator.Open(conn)).To(Succeed())
	})

	sentRequest := func(frame []byte) *protocol.Envelope {
		env, err := codec.DecodeOne(frame)
		Expect(err).To(Succeed())
		Expect(env.IsRequest()).To(BeTrue())
		return env
	}

	It("counts pending calls in step with the slots a close rejects", func() {
		baseline := testutil.ToFloat64(metrics.PendingCalls)

		for i := 0; i < 3; i++ {
			_, err := correlator.Start(conn, clue)
			Expect(err).To(Succeed())
		}

		Expect(testutil.ToFloat64(metrics.PendingCalls)).To(Equal(baseline + 3))

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			racing := newFakeConn(fmt.Sprintf("racing-%d", i))
			Expect(correlator.Open(racing)).To(Succeed())

			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = correlator.Start(racing, clue)
			}()
			go func() {
				defer wg.Done()
				correlator.Close(racing)
			}()
		}
		wg.Wait()

		correlator.Close(conn)
		Expect(testutil.ToFloat64(metrics.PendingCalls)).To(Equal(baseline))
	})

	It("fails loudly when a connection is opened twice", func() {
		Expect(errors.Is(correlator.Open(conn), rpc.ErrAlreadyOpen)).To(BeTrue())
	})

	Describe("Send()", func() {
		It("writes a null id request to every connection", func() {
			other := newFakeConn("conn-2")

			Expect(correlator.Send([]rpc.Conn{conn, other}, clue)).To(Succeed())

			for _, c := range []*fakeConn{conn, other} {
				Expect(c.Frames()).To(HaveLen(1))
				env := sentRequest(c.Last())
				Expect(env.ID.IsNull()).To(BeTrue())
				Expect(env.Params.Path).To(Equal("giveClue"))
				Expect(env.Params.Input).To(MatchJSON(`{"word":"ocean","count":2}`))
			}

			Expect(correlator.Outstanding(conn)).To(BeZero())
		})

		It("aggregates transport failures and still writes to healthy connections", func() {
			broken := newFakeConn("broken")
			broken.FailWith(errors.New("closed pipe"))

			err := correlator.Send([]rpc.Conn{broken, conn}, clue)
			Expect(err).To(MatchError(ContainSubstring("closed pipe")))
			Expect(conn.Frames()).To(HaveLen(1))
		})
	})

	Describe("Call()", func() {
		It("resolves with the data of the matching response", func() {
			var out map[string]string
			errc := make(chan error, 1)

			go func() {
				errc <- correlator.Call(context.Background(), conn, clue, &out)
			}()

			Eventually(conn.Frames).Should(HaveLen(1))
			req := sentRequest(conn.Last())
			Expect(req.ID.IsNull()).To(BeFalse())

			Expect(correlator.Resolve(conn, protocol.NewDataResponse(req.ID, json.RawMessage(`{"ok":"yes"}`)))).To(Succeed())
			Eventually(errc).Should(Receive(BeNil()))
			Expect(out).To(Equal(map[string]string{"ok": "yes"}))
			Expect(correlator.Outstanding(conn)).To(BeZero())
		})

		It("rejects with the error carried by the response", func() {
			p, err := correlator.Start(conn, clue)
			Expect(err).To(Succeed())

			resp := protocol.NewErrorResponse(p.ID, protocol.NewError(protocol.CodeBadRequest, "Not your turn"))
			Expect(correlator.Resolve(conn, resp)).To(Succeed())

			_, err = p.Wait(context.Background())
			Expect(errors.Is(err, protocol.ErrBadRequest)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("Not your turn")))
		})

		It("rejects immediately without sending when the connection is not open", func() {
			stranger := newFakeConn("stranger")

			err := correlator.Call(context.Background(), stranger, clue, nil)
			Expect(errors.Is(err, rpc.ErrNotOpen)).To(BeTrue())
			Expect(errors.Is(err, protocol.ErrDisconnected)).To(BeTrue())
			Expect(stranger.Frames()).To(BeEmpty())
		})

		It("releases the slot when the caller's context ends", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()

			err := correlator.Call(ctx, conn, clue, nil)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(correlator.Outstanding(conn)).To(BeZero())
		})

		It("resolves concurrent calls out of order", func() {
			first, err := correlator.Start(conn, clue)
			Expect(err).To(Succeed())
			second, err := correlator.Start(conn, clue)
			Expect(err).To(Succeed())
			Expect(first.ID).NotTo(Equal(second.ID))

			Expect(correlator.Resolve(conn, protocol.NewDataResponse(second.ID, json.RawMessage(`2`)))).To(Succeed())
			Expect(second.Done()).To(BeClosed())
			Expect(first.Done()).NotTo(BeClosed())

			Expect(correlator.Resolve(conn, protocol.NewDataResponse(first.ID, json.RawMessage(`1`)))).To(Succeed())
			data, err := first.Result()
			Expect(err).To(Succeed())
			Expect(data).To(MatchJSON(`1`))
		})

		It("drops responses that match no pending call", func() {
			err := correlator.Resolve(conn, protocol.NewDataResponse(protocol.StringID("nope"), nil))
			Expect(errors.Is(err, rpc.ErrUnknownResponse)).To(BeTrue())
		})
	})

	Describe("CallEach()", func() {
		It("returns independently settling slots", func() {
			other := newFakeConn("conn-2")
			Expect(correlator.Open(other)).To(Succeed())
			closed := newFakeConn("conn-3")

			pending := correlator.CallEach([]rpc.Conn{conn, other, closed}, clue)
			Expect(pending).To(HaveLen(3))

			Expect(pending[2].Done()).To(BeClosed())
			_, err := pending[2].Result()
			Expect(errors.Is(err, protocol.ErrDisconnected)).To(BeTrue())

			req := sentRequest(other.Last())
			Expect(correlator.Resolve(other, protocol.NewDataResponse(req.ID, json.RawMessage(`true`)))).To(Succeed())
			Expect(pending[1].Done()).To(BeClosed())
			Expect(pending[0].Done()).NotTo(BeClosed())
		})
	})

	Describe("Close()", func() {
		It("rejects every pending call with Disconnected", func() {
			first, err := correlator.Start(conn, clue)
			Expect(err).To(Succeed())
			second, err := correlator.Start(conn, clue)
			Expect(err).To(Succeed())

			correlator.Close(conn)

			for _, p := range []*rpc.Pending{first, second} {
				Expect(p.Done()).To(BeClosed())
				_, err := p.Result()
				Expect(errors.Is(err, protocol.ErrDisconnected)).To(BeTrue())
			}

			_, err = correlator.Start(conn, clue)
			Expect(errors.Is(err, rpc.ErrNotOpen)).To(BeTrue())
		})

		It("lets the connection be opened again afterwards", func() {
			correlator.Close(conn)
			Expect(correlator.Open(conn)).To(Succeed())
		})
	})
})
