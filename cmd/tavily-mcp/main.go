// cmd/tavily-mcp is the entry point for the Tavily MCP bridge. It exposes the
// Tavily search API as MCP tools to a client that talks JSON-RPC 2.0 over
// stdin/stdout.
//
// Startup sequence:
//  1. Load an optional dotenv file, then configuration from the environment
//     (optionally seeded from a YAML file).
//  2. Open the debug sink and refuse to start without an API key and URL.
//  3. Create the upstream client and the MCP server.
//  4. Serve requests from stdin until end-of-input or a shutdown signal.
//
// CRITICAL: nothing but JSON-RPC response frames may be written to stdout.
// Diagnostics go to the debug log file; startup failures go to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := newLogger(os.Stderr)

	// Cancel the root context on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	cmd := newRootCmd(os.Stdin, os.Stdout, logger)
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.WithError(err).Error("tavily-mcp stopped")
		cancel()
		os.Exit(1)
	}
}

// newLogger returns the stderr logger used for startup and shutdown messages.
func newLogger(out *os.File) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}
