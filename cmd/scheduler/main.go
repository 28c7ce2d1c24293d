// ============================================================================
// Search Scheduler - Main Entry Point
// ============================================================================
//
// File: cmd/scheduler/main.go
// Purpose: Application entry point and CLI initialization
//
// Usage:
//   ./scheduler --help                   # Show help
//   ./scheduler run -c configs/prod.yaml # Start the scheduler
//   ./scheduler enqueue -f search.json   # Submit a search job
//   ./scheduler status                   # View live counters
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/raft-recovery/internal/cli"
)

// Build-time version injection via ldflags
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(-1)
	}
}
