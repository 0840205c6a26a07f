// ABOUTME: serve command printing the startup banner and running the server
// ABOUTME: Resolves configuration and blocks until interrupted

package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/hitl-coord/internal/config"
	"github.com/2389/hitl-coord/internal/server"
)

const banner = `
 _     _ _   _                                  _
| |__ (_) |_| |       ___ ___   ___  _ __ __| |
| '_ \| | __| |_____ / __/ _ \ / _ \| '__/ _' |
| | | | | |_| |_____| (_| (_) | (_) | | | (_| |
|_| |_|_|\__|_|      \___\___/ \___/|_|  \__,_|
`

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := config.Resolve(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			printStartup(cmd.OutOrStdout(), cfg, path)

			logger := setupLogger(cfg.Logging, cmd.ErrOrStderr())
			logger.Info("starting hitl-coord",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
				"auth", cfg.Auth.Enabled,
			)

			srv, err := server.New(cfg, logger, version)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}
			return srv.Run(cmd.Context())
		},
	}
}

func printStartup(w io.Writer, cfg *config.Config, path string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	gray.Fprintf(w, "    version: %s\n\n", version)

	if path == "" {
		path = "(built-in defaults)"
	}
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Config:    %s\n", path)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "MCP:       http://%s/mcp\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "gRPC:      %s\n", cfg.Server.GRPCAddr)
	}

	green.Fprint(w, "    ▶ ")
	fmt.Fprint(w, "Auth:      ")
	if cfg.Auth.Enabled {
		cyan.Fprintf(w, "enabled (%d agents)", len(cfg.Auth.Agents))
	} else {
		yellow.Fprint(w, "disabled")
	}
	fmt.Fprintln(w)

	if cfg.Signing.Enabled {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintln(w, "Signing:   enabled")
	}
	if cfg.Audit.Path != "" {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "Audit:     %s\n", cfg.Audit.Path)
	}
	fmt.Fprintln(w)
}
