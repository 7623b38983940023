package main

import (
	"os"

	"github.com/carrelhq/carrel/cmd/carrel/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
