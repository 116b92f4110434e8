// Package main is the entry point for procctl.
package main

import (
	"os"

	"github.com/dshills/procctl/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
