package gen

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var completionDir string

// CompletionCmd writes completion scripts for every supported shell.
var CompletionCmd = &cobra.Command{
	Use:   "completion",
	Short: "Generate bash, zsh and fish completions for codewords",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(completionDir, 0750); err != nil {
			return err
		}

		root := cmd.Root()
		out := cmd.OutOrStdout()

		scripts := []struct {
			file string
			gen  func(path string) error
		}{
			{"codewords.bash", func(path string) error { return root.GenBashCompletionFileV2(path, true) }},
			{"_codewords", root.GenZshCompletionFile},
			{"codewords.fish", func(path string) error { return root.GenFishCompletionFile(path, true) }},
		}

		for _, script := range scripts {
			path := filepath.Join(completionDir, script.file)
			if err := script.gen(path); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}

			fmt.Fprintln(out, "Wrote", path)
		}

		return nil
	},
}

func init() {
	flags := CompletionCmd.PersistentFlags()

	flags.StringVar(&completionDir, "dir", "completions/", "the directory to write the completion scripts.")

	if err := flags.SetAnnotation("dir", cobra.BashCompSubdirsInDir, []string{}); err != nil {
		panic(err)
	}
}
