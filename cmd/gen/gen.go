// Package gen holds the commands that write codewords' own documentation
// and shell integration.
package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate man pages and shell completions for codewords",
	Long: `Generate man pages and shell completions for codewords.

Usage
	codewords gen man --dir man/
	codewords gen completion --dir completions/
`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
	RootCmd.AddCommand(CompletionCmd)
}
