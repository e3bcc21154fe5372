package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/codewords/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "codewords",
	Short: "Rooms for a word guessing game played against language models",
	Long: `Rooms for a word guessing game played against language models.

Players give clues over a WebSocket, a model guesses the words, and every
player in the room sees the board change as it happens.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(WatchCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
