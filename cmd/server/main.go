/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve              HTTP API plus the expiration scheduler (default)
  expire [--cutoff]  Run one expiration pass and exit
  verify BUYER       Replay a buyer's log against the stored balance

STARTUP SEQUENCE (serve):
  1. Load configuration (file, then LEDGER_* environment)
  2. Build logger and metrics registry
  3. Open the configured store (sqlite, postgres, memory)
  4. Wire engine, query facade, scheduler and HTTP handler
  5. Start scheduler and server, wait for a signal

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiration scheduler (an in-flight pass finishes)
  2. Stop accepting new connections
  3. Wait for active requests (app.shutdown_timeout)
  4. Close the store

EXAMPLES:
  # Run with file database
  ./server serve --config=./config.toml

  # Run against PostgreSQL
  LEDGER_STORE_DRIVER=postgres LEDGER_STORE_POSTGRES_DSN=postgres://... ./server

  # Expire the quarter that closed before a given time
  ./server expire --cutoff=2026-10-01T00:00:00Z

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - expiration/scheduler.go: Batch expiration
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
