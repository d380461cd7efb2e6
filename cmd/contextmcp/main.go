// Package main is the entry point for the contextmcp CLI.
package main

import (
	"os"

	"github.com/scopehq/contextmcp/cmd/contextmcp/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
