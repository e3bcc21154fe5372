package transport

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/room"
)

const (
	DefaultWriteQueueSize = 127
	DefaultReceiveRate    = rate.Limit(20)
	DefaultReceiveBurst   = 40
	DefaultWriteWait      = 10 * time.Second
	DefaultReadLimit      = 1 << 20
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// DebugHTTP runs gin in debug mode.
	DebugHTTP bool

	// Trace logs every frame. This is only useful in local debugging
	Trace bool

	// PublicURL is the origin encoded in join QR codes. Defaults to the
	// origin of the QR request.
	PublicURL string

	// ReceiveRate and ReceiveBurst bound inbound frames per connection.
	// Frames over the limit are dropped.
	ReceiveRate  rate.Limit
	ReceiveBurst int

	// WriteQueueSize bounds the frames waiting to be written to one
	// connection. A connection whose queue overflows is closed.
	WriteQueueSize int

	Registry *room.Registry

	// Codec encodes the error responses the transport answers on its own,
	// such as for requests over the receive rate. It should match the
	// registry's codec.
	Codec *protocol.Codec

	Log *zap.Logger
}

func (o *Options) setDefaults() {
	if o.ReceiveRate <= 0 {
		o.ReceiveRate = DefaultReceiveRate
	}

	if o.ReceiveBurst <= 0 {
		o.ReceiveBurst = DefaultReceiveBurst
	}

	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = DefaultWriteQueueSize
	}

	if o.Codec == nil {
		o.Codec = protocol.NewCodec(nil)
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}
