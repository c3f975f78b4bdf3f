// Command bitharbor ingests media and searches it.
//
// Usage:
//
//	bitharbor [flags] <command> [args]
//
// Commands:
//
//	ingest   - ingest bundle files (JSON) or plain media files
//	search   - semantic search by text or by example file
//	stats    - row counts and index state
//	rebuild  - rebuild and publish the ANN index
//	verify   - cross-check the stores
//
// Configuration is read from --config (YAML), a .env file in the working
// directory and BITHARBOR_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/hupe1980/bitharbor/cmd/bitharbor/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
