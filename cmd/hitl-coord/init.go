// ABOUTME: init command writing a starter configuration file
// ABOUTME: Optionally enables authentication and signing with generated secrets

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/hitl-coord/internal/auth"
	"github.com/2389/hitl-coord/internal/config"
)

type initOptions struct {
	force    bool
	withAuth bool
	signing  bool
	httpAddr string
	grpcAddr string
	audit    string
}

func newInitCmd(root *rootOptions) *cobra.Command {
	opts := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.configPath
			if path == "" {
				path = os.Getenv(config.EnvConfigPath)
			}
			if path == "" {
				path = config.DefaultPath()
			}
			return runInit(cmd, path, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&opts.withAuth, "auth", false, "enable authentication with a generated admin key and session secret")
	cmd.Flags().BoolVar(&opts.signing, "signing", false, "enable message signing with a generated secret")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", config.Default().Server.HTTPAddr, "HTTP listen address")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc-addr", "", "gRPC health listen address (empty disables)")
	cmd.Flags().StringVar(&opts.audit, "audit", "", "SQLite audit trail path (empty disables)")
	return cmd
}

func runInit(cmd *cobra.Command, path string, opts *initOptions) error {
	if _, err := os.Stat(path); err == nil && !opts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config file: %w", err)
	}

	contents, adminKey, err := renderConfig(opts)
	if err != nil {
		return err
	}

	// Validate before writing.
	if _, err := config.Parse(contents, false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Fprint(out, "✓ ")
	fmt.Fprintf(out, "Config written to %s\n", path)
	if adminKey != "" {
		yellow.Fprint(out, "! ")
		fmt.Fprintf(out, "Admin key: %s\n", adminKey)
		fmt.Fprintln(out, "  Register agents with the register_agent tool using this key.")
	}
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  hitl-coord serve")
	return nil
}

// renderConfig builds a commented YAML config. It returns the generated
// admin key when authentication is enabled.
func renderConfig(opts *initOptions) (string, string, error) {
	d := config.Default()

	var adminKey, jwtSecret, signingSecret string
	if opts.withAuth {
		var err error
		if adminKey, err = auth.GenerateKey(); err != nil {
			return "", "", err
		}
		if jwtSecret, err = auth.GenerateKey(); err != nil {
			return "", "", err
		}
	}
	if opts.signing {
		var err error
		if signingSecret, err = auth.GenerateKey(); err != nil {
			return "", "", err
		}
	}

	var b strings.Builder
	b.WriteString("# hitl-coord configuration\n")
	b.WriteString("# Generated by hitl-coord init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", opts.httpAddr)
	fmt.Fprintf(&b, "  grpc_addr: %q\n\n", opts.grpcAddr)

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", d.Logging.Level)
	fmt.Fprintf(&b, "  format: %q\n\n", d.Logging.Format)

	b.WriteString("channels:\n")
	fmt.Fprintf(&b, "  max_messages: %d\n\n", d.Channels.MaxMessages)

	b.WriteString("locks:\n")
	fmt.Fprintf(&b, "  max_per_agent: %d\n", d.Locks.MaxPerAgent)
	fmt.Fprintf(&b, "  poll_interval: %q\n", d.Locks.PollIntervalRaw)
	fmt.Fprintf(&b, "  sweep_interval: %q\n", d.Locks.SweepIntervalRaw)
	fmt.Fprintf(&b, "  default_auto_release: %q\n\n", d.Locks.DefaultAutoReleaseRaw)

	b.WriteString("heartbeat:\n")
	fmt.Fprintf(&b, "  interval: %q\n", d.Heartbeat.IntervalRaw)
	fmt.Fprintf(&b, "  missing_threshold: %d\n", d.Heartbeat.MissingThreshold)
	fmt.Fprintf(&b, "  dead_threshold: %d\n", d.Heartbeat.DeadThreshold)
	fmt.Fprintf(&b, "  release_locks_on_death: %t\n", d.Heartbeat.ReleaseLocksOnDeath)
	fmt.Fprintf(&b, "  leave_channels_on_death: %t\n\n", d.Heartbeat.LeaveChannelsOnDeath)

	b.WriteString("ratelimit:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", d.RateLimit.Enabled)
	fmt.Fprintf(&b, "  default_per_agent: %d\n", d.RateLimit.DefaultPerAgent)
	fmt.Fprintf(&b, "  global: %d\n\n", d.RateLimit.Global)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", opts.withAuth)
	fmt.Fprintf(&b, "  admin_key: %q\n", adminKey)
	fmt.Fprintf(&b, "  jwt_secret: %q\n", jwtSecret)
	fmt.Fprintf(&b, "  session_ttl: %q\n", d.Auth.SessionTTLRaw)
	b.WriteString("  # agents:\n")
	b.WriteString("  #   - id: \"planner\"\n")
	b.WriteString("  #     api_key: \"${PLANNER_API_KEY}\"\n")
	b.WriteString("  #     allowed_channels: [\"*\"]\n")
	b.WriteString("  #     permissions: [\"read\", \"write\", \"lock\"]\n\n")

	b.WriteString("signing:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", opts.signing)
	fmt.Fprintf(&b, "  secret: %q\n\n", signingSecret)

	b.WriteString("audit:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", opts.audit)

	b.WriteString("dedupe:\n")
	fmt.Fprintf(&b, "  ttl: %q\n", d.Dedupe.TTLRaw)
	fmt.Fprintf(&b, "  max_entries: %d\n", d.Dedupe.MaxEntries)

	return b.String(), adminKey, nil
}
