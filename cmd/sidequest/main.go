// Package main is the entry point for the sidequest job server.
package main

import (
	"fmt"
	"os"

	"github.com/bargom/sidequest/cmd/sidequest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
