// Package main is the entry point for the relaycast application.
package main

import (
	"os"

	"github.com/relaycast/relaycast/cmd/relaycast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
