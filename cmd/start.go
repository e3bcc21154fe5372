package cmd

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luma/codewords/game"
	"github.com/luma/codewords/internal/env"
	"github.com/luma/codewords/room"
	"github.com/luma/codewords/storage"
	"github.com/luma/codewords/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http and websocket requests on
	port int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7362, "The port to listen to HTTP and WebSocket requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the codewords room service",
	Long: `Start up the codewords room service

Usage
	codewords start

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}

		defer log.Sync() //nolint:errcheck

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		backend, err := makeBackend(conf)
		if err != nil {
			return err
		}

		rng := rand.New(rand.NewSource(time.Now().UnixNano()))

		registry := room.NewRegistry(room.RegistryOptions{
			Backend:     backend,
			Guesser:     makeGuesser(conf, rng),
			TTL:         conf.RoomTTL,
			DisablePong: conf.DisablePong,
			Rand:        rng,
			Log:         log.Named("room"),
		})

		server := transport.NewServer(transport.Options{
			Host:         host,
			Port:         port,
			Reuseport:    true,
			DebugHTTP:    conf.DebugHTTP,
			PublicURL:    conf.PublicURL,
			ReceiveRate:  rate.Limit(conf.RecvRate),
			ReceiveBurst: conf.RecvBurst,
			Registry:     registry,
			Log:          log.Named("transport"),
		})

		if err := server.Start(); err != nil {
			return err
		}

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("host", host),
			zap.Int("port", port))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Sockets go first so no frame reaches a room that is closing.
		if err := server.Shutdown(ctx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}

		if err := registry.Close(); err != nil {
			log.Error("Failed to close rooms", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func makeBackend(conf *env.Config) (storage.Backend, error) {
	if conf.DataDir == "" {
		return storage.NewInmemoryBackend(), nil
	}

	return storage.NewFileBackend(conf.DataDir)
}

func makeGuesser(conf *env.Config, rng *rand.Rand) game.Guesser {
	if conf.GuesserURL == "" {
		return game.NewRandomGuesser(rand.New(rand.NewSource(rng.Int63())))
	}

	return game.NewHTTPGuesser(conf.GuesserURL, conf.GuesserTimeout)
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
