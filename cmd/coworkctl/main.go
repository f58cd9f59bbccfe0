// Package main is the entry point for the coworkctl CLI tool.
package main

import (
	"os"

	"github.com/good-yellow-bee/cowork/cmd/coworkctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
