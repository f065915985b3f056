// Package main is the entry point for mirrorcal.
package main

import (
	"fmt"
	"os"

	"mirrorcal/internal/cli"
)

// Set by the release build.
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
