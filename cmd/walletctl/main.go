package main

import (
	"os"

	"github.com/ashureev/walletlink/cmd/walletctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
