// Package main is the entry point for ndrd, the NDR job orchestrator.
package main

import (
	"os"

	"github.com/ndrlab/ndr-orchestrator/cmd/ndrd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
