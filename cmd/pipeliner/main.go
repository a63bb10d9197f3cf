// Package main provides the entry point for the pipeliner CLI.
package main

import (
	"os"

	"github.com/proactiva-us/pipeliner/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
