package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	DebugHTTP bool   `env:"CODEWORDS_DEBUG_HTTP"`
	LogLevel  string `env:"CODEWORDS_LOG_LEVEL,default=info"`

	// RoomTTL is how long a room survives without activity.
	RoomTTL time.Duration `env:"CODEWORDS_ROOM_TTL,default=5m"`

	// DataDir keeps room state on disk. Empty keeps it in memory.
	DataDir string `env:"CODEWORDS_DATA_DIR"`

	// GuesserURL is the endpoint of the model service. Empty uses the
	// built in random guesser.
	GuesserURL     string        `env:"CODEWORDS_GUESSER_URL"`
	GuesserTimeout time.Duration `env:"CODEWORDS_GUESSER_TIMEOUT,default=30s"`

	PublicURL string `env:"CODEWORDS_PUBLIC_URL"`

	RecvRate  float64 `env:"CODEWORDS_RECV_RATE,default=20"`
	RecvBurst int     `env:"CODEWORDS_RECV_BURST,default=40"`

	DisablePong bool `env:"CODEWORDS_DISABLE_PONG"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
