package main

import (
	"github.com/luma/codewords/cmd"
)

func main() {
	cmd.Execute()
}
