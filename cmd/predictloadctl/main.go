// Package main is the predictloadctl CLI: local development tooling
// around the prediction library — a debug daemon, migration runner,
// seeder, and log inspector.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
