// Package main is the entry point for the shrinkarr application.
package main

import (
	"os"

	"github.com/jmylchreest/shrinkarr/cmd/shrinkarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
