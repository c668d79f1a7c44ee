package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tavily-local-proxy/tavily-mcp/internal/api/mcp"
	"github.com/tavily-local-proxy/tavily-mcp/internal/config"
	"github.com/tavily-local-proxy/tavily-mcp/internal/debuglog"
	"github.com/tavily-local-proxy/tavily-mcp/internal/tavily"
)

// options holds the command-line flags shared by all subcommands.
type options struct {
	configPath string
	envFile    string
	debugLog   string
}

// newRootCmd builds the command tree. The root command serves the bridge on
// in/out; logger receives startup and shutdown messages.
func newRootCmd(in io.Reader, out io.Writer, logger logrus.FieldLogger) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tavily-mcp",
		Short:         "Serve the Tavily API as MCP tools over stdio",
		Long:          "tavily-mcp speaks JSON-RPC 2.0 on stdin/stdout and forwards tool calls to the Tavily HTTP API. TAVILY_API_KEY and TAVILY_API_URL must be set.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, in, out, logger)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file (env: "+config.EnvConfigFile+")")
	flags.StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before reading the environment (env: "+config.EnvEnvFile+")")
	flags.StringVar(&opts.debugLog, "debug-log", "", "debug log path (env: "+config.EnvDebugLog+")")

	root.AddCommand(newToolsCmd(out), newVersionCmd(out))
	return root
}

// newToolsCmd prints the tool registry as the tools/list result would carry it.
func newToolsCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool registry as JSON",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(mcp.MCPToolsListResult{Tools: mcp.Tools()})
		},
	}
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server name and version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintf(out, "%s %s\n", mcp.DefaultServerInfo.Name, mcp.DefaultServerInfo.Version)
			return err
		},
	}
}

// loadConfig applies the env file, then reads configuration. Flags take
// precedence over their environment counterparts.
func loadConfig(opts *options) (*config.Config, error) {
	envFile := opts.envFile
	if envFile == "" {
		envFile = strings.TrimSpace(os.Getenv(config.EnvEnvFile))
	}
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}

	path := opts.configPath
	if path == "" {
		path = strings.TrimSpace(os.Getenv(config.EnvConfigFile))
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if opts.debugLog != "" {
		cfg.Debug.LogPath = opts.debugLog
	}
	return cfg, nil
}

// serve runs the bridge until end-of-input (nil) or cancellation.
func serve(ctx context.Context, opts *options, in io.Reader, out io.Writer, logger logrus.FieldLogger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sink := debuglog.New(cfg.Debug.LogPath)

	if err := cfg.Validate(); err != nil {
		switch {
		case errors.Is(err, config.ErrMissingAPIKey):
			sink.Printf("fatal missing %s", config.EnvAPIKey)
		case errors.Is(err, config.ErrMissingAPIURL):
			sink.Printf("fatal missing %s", config.EnvAPIURL)
		}
		return err
	}

	sessionID := uuid.NewString()
	sink.Printf("startup apiUrl=%s keyLen=%d session=%s", cfg.Upstream.APIURL, len(cfg.Upstream.APIKey), sessionID)

	client := tavily.NewClient(tavily.Config{
		BaseURL:         cfg.Upstream.APIURL,
		APIKey:          cfg.Upstream.APIKey,
		Timeout:         cfg.Upstream.Timeout,
		BreakerFailures: cfg.Upstream.BreakerFailures,
		BreakerTimeout:  cfg.Upstream.BreakerTimeout,
	}, sink)
	srv := mcp.NewServer(client, mcp.WithDebugSink(sink))
	transport := mcp.NewStdioTransport(srv, in, out)

	logger.WithFields(logrus.Fields{
		"session":   sessionID,
		"debug_log": sink.Path(),
	}).Info("serving JSON-RPC 2.0 on stdin/stdout")

	if err := transport.Serve(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("transport stopped: %w", err)
	}
	return nil
}
