// stoat is the command-line interface for operating stoat saga endpoints.
//
// Usage:
//
//	stoat <command> [flags]
//
// Commands:
//
//	init        Create a stoat.yaml configuration
//	migrate     Create the saga, outbox and idempotency tables
//	outbox      Inspect and maintain the transactional outbox
//	saga        Inspect persisted saga instances
//	scheduler   Inspect and run the Redis message scheduler
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	# Create a configuration for the sales endpoint
//	stoat init --non-interactive -n sales
//
//	# Requeue every dead-lettered outbox message
//	stoat outbox requeue
//
//	# Show running OrderSaga instances
//	stoat saga list OrderSaga
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-stoat/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
