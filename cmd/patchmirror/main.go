package main

import (
	"os"

	"patchmirror/cmd/patchmirror/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
