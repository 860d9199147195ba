package main

import (
	"os"

	"peersync/cmd/peersync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
