package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/luma/codewords/client"
	"github.com/luma/codewords/game"
	"github.com/luma/codewords/internal/env"
	"github.com/luma/codewords/rpc"
)

type watchConfig struct {
	url      string
	room     string
	username string
	start    bool
	clue     string
	count    int
	model    string
	logLevel string
}

var watch watchConfig

func init() {
	fs := WatchCmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&watch.url, "url", "http://localhost:7362", "Origin of the room service (env: CODEWORDS_WATCH_URL)")
	fs.StringVarP(&watch.room, "room", "r", "", "Room to join. Empty creates a new room (env: CODEWORDS_WATCH_ROOM)")
	fs.StringVarP(&watch.username, "username", "u", "watcher", "Name to play as (env: CODEWORDS_WATCH_USERNAME)")
	fs.BoolVar(&watch.start, "start", false, "Start the game once connected (env: CODEWORDS_WATCH_START)")
	fs.StringVar(&watch.clue, "clue", "", "Give this clue once it is our turn (env: CODEWORDS_WATCH_CLUE)")
	fs.IntVar(&watch.count, "count", 1, "Number of words the clue points at (env: CODEWORDS_WATCH_COUNT)")
	fs.StringVar(&watch.model, "model", string(game.Models[0].ID), "Model that guesses our clue (env: CODEWORDS_WATCH_MODEL)")
	fs.StringVar(&watch.logLevel, "log-level", "info", "Log level (env: CODEWORDS_WATCH_LOG_LEVEL)")
}

// bindEnv lets every flag of fs be set from CODEWORDS_WATCH_<FLAG> unless it
// was given on the command line.
func bindEnv(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix("CODEWORDS_WATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}

		if err = v.BindPFlag(f.Name, f); err != nil {
			return
		}

		if err = v.BindEnv(f.Name); err != nil {
			return
		}

		if !f.Changed && v.IsSet(f.Name) {
			err = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	return err
}

var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a room and follow the game from the terminal",
	Long: `Join a room and follow the game from the terminal

Creates a room when --room is empty, connects over WebSocket and logs every
change the room pushes. With --start and --clue it can drive a game on its own.

Usage
	codewords watch --room ABCDEFGH --username alice

`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindEnv(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		log, err := env.MakeLogger(watch.logLevel)
		if err != nil {
			return err
		}

		defer log.Sync() //nolint:errcheck

		roomID, sessionID, err := enterRoom(ctx, watch.url, watch.room, watch.username)
		if err != nil {
			return err
		}

		log.Info("Entered room", zap.String("room", roomID), zap.String("username", watch.username))

		wsURL, err := roomSocketURL(watch.url, roomID)
		if err != nil {
			return err
		}

		changes := make(chan rpc.Path, 16)

		c, err := client.New(client.Options{
			URL:       wsURL,
			SessionID: sessionID,
			OnChange: func(path rpc.Path) {
				select {
				case changes <- path:
				default:
				}
			},
			Log: log,
		})
		if err != nil {
			return err
		}

		defer c.Close() //nolint:errcheck

		if err := c.Dial(ctx); err != nil {
			return err
		}

		if watch.start {
			if err := c.StartGame(ctx); err != nil {
				log.Warn("Failed to start game", zap.Error(err))
			}
		}

		clueGiven := false

		for {
			select {
			case <-ctx.Done():
				log.Info("Leaving room", zap.String("room", roomID))
				return nil

			case <-c.Done():
				return c.Err()

			case path := <-changes:
				view := c.View()
				logView(log, path, view)

				if watch.clue == "" || clueGiven || !ourTurn(view) {
					continue
				}

				clueGiven = true

				err := c.GiveClue(ctx, watch.clue, watch.count, game.ModelID(watch.model))
				if err != nil {
					log.Warn("Failed to give clue", zap.Error(err))
				}
			}
		}
	},
}

func ourTurn(view *game.View) bool {
	state := view.State()
	return state.Stage == game.StagePlaying && state.CurrentTeam == view.Me().Team
}

func logView(log *zap.Logger, path rpc.Path, view *game.View) {
	state := view.State()

	revealed := make([]string, 0, len(state.Board))
	for _, cell := range state.Board {
		if cell.Revealed {
			revealed = append(revealed, fmt.Sprintf("%s:%s", cell.Word, cell.Type))
		}
	}

	log.Info("Room changed",
		zap.String("push", string(path)),
		zap.String("stage", string(state.Stage)),
		zap.String("turn", string(state.CurrentTeam)),
		zap.String("winner", string(state.Winner)),
		zap.Strings("revealed", revealed),
		zap.Int("players", len(view.Users())),
		zap.String("team", string(view.Me().Team)))
}

// enterRoom creates a room when roomID is empty and joins it otherwise. It
// returns the room id and the session to connect with.
func enterRoom(ctx context.Context, origin, roomID, username string) (string, string, error) {
	endpoint := strings.TrimRight(origin, "/") + "/create-room"
	if roomID != "" {
		endpoint = strings.TrimRight(origin, "/") + "/room/" + url.PathEscape(roomID) + "/join"
	}

	body, err := sjson.SetBytes([]byte(`{}`), "username", username)
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}

	defer res.Body.Close()

	out, err := io.ReadAll(res.Body)
	if err != nil {
		return "", "", err
	}

	if res.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%s: %s %s", endpoint, res.Status, gjson.GetBytes(out, "message").String())
	}

	result := gjson.GetManyBytes(out, "id", "sessionId")
	if result[0].String() == "" || result[1].String() == "" {
		return "", "", fmt.Errorf("%s: unexpected response %s", endpoint, out)
	}

	return result[0].String(), result[1].String(), nil
}

// roomSocketURL maps an http(s) origin to the ws(s) endpoint of a room.
func roomSocketURL(origin, roomID string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/room/" + url.PathEscape(roomID)

	return u.String(), nil
}
