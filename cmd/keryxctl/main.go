package main

import (
	"os"

	"github.com/keryx-im/keryx/cmd/keryxctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
