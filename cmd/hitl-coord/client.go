// ABOUTME: health and stats commands querying a running server over HTTP
// ABOUTME: stats renders the coordinator counters with lipgloss

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/2389/hitl-coord/internal/config"
	"github.com/2389/hitl-coord/internal/tools"
)

const requestTimeout = 5 * time.Second

type clientOptions struct {
	addr  string
	token string
	json  bool
}

// baseURL returns the server URL from --addr or the configured http_addr.
func (o *clientOptions) baseURL(root *rootOptions) (string, error) {
	addr := o.addr
	if addr == "" {
		cfg, _, err := config.Resolve(root.configPath)
		if err != nil {
			return "", fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/"), nil
	}
	return "http://" + addr, nil
}

// get fetches url and returns the status code and body.
func (o *clientOptions) get(ctx context.Context, url string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.baseURL(root)
			if err != nil {
				return err
			}
			status, _, err := opts.get(cmd.Context(), base+"/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", status)
			}

			status, body, err := opts.get(cmd.Context(), base+"/ready")
			if err != nil {
				return fmt.Errorf("readiness check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("not ready: %s", strings.TrimSpace(string(body)))
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "healthy: %s\n", strings.TrimSpace(string(body)))
			return err
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "server address (default from config)")
	return cmd
}

func newStatsCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show channel, lock, agent and rate limit counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.baseURL(root)
			if err != nil {
				return err
			}
			status, body, err := opts.get(cmd.Context(), base+"/stats")
			if err != nil {
				return fmt.Errorf("fetching stats: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("stats: status %d: %s", status, strings.TrimSpace(string(body)))
			}

			var st tools.Stats
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("decoding stats: %w", err)
			}

			out := cmd.OutOrStdout()
			if opts.json {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			_, err = fmt.Fprintln(out, renderStats(st, newStyles()))
			return err
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "server address (default from config)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer session token from the authenticate tool")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print raw JSON")
	return cmd
}

type styles struct {
	title   lipgloss.Style
	section lipgloss.Style
	key     lipgloss.Style
	value   lipgloss.Style
	warning lipgloss.Style
	faint   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true),
		section: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).MarginTop(1),
		key:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(22),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		warning: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		faint:   lipgloss.NewStyle().Faint(true),
	}
}

type row struct {
	key   string
	value string
	warn  bool
}

func renderSection(title string, rows []row, s styles) string {
	lines := []string{s.section.Render(title)}
	for _, r := range rows {
		v := s.value.Render(r.value)
		if r.warn {
			v = s.warning.Render(r.value)
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, s.key.Render(r.key), v))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderStats(st tools.Stats, s styles) string {
	parts := []string{
		s.title.Render("hitl-coord"),
		renderSection("Channels", []row{
			{key: "channels", value: fmt.Sprint(st.Channels.Channels)},
			{key: "messages", value: fmt.Sprint(st.Channels.TotalMessages)},
			{key: "subscriptions", value: fmt.Sprint(st.Channels.ActiveSubscriptions)},
		}, s),
		renderSection("Locks", []row{
			{key: "active", value: fmt.Sprint(st.Locks.ActiveLocks)},
			{key: "agents holding", value: fmt.Sprint(st.Locks.AgentsWithLocks)},
		}, s),
		renderSection("Agents", []row{
			{key: "registered", value: fmt.Sprint(st.Agents)},
			{key: "tracked", value: fmt.Sprint(st.Heartbeat.TotalAgents)},
			{key: "alive", value: fmt.Sprint(st.Heartbeat.Alive)},
			{key: "missing", value: fmt.Sprint(st.Heartbeat.Missing), warn: st.Heartbeat.Missing > 0},
			{key: "dead", value: fmt.Sprint(st.Heartbeat.Dead), warn: st.Heartbeat.Dead > 0},
			{key: "heartbeat interval", value: fmt.Sprintf("%gs", st.Heartbeat.HeartbeatInterval)},
		}, s),
	}

	if st.RateLimit == nil {
		parts = append(parts, s.section.Render("Rate limiting"), s.faint.Render("disabled"))
	} else {
		parts = append(parts, renderSection("Rate limiting", []row{
			{key: "global per minute", value: fmt.Sprint(st.RateLimit.GlobalLimit)},
			{key: "default per agent", value: fmt.Sprint(st.RateLimit.DefaultAgentLimit)},
			{key: "custom limits", value: fmt.Sprint(st.RateLimit.CustomLimits)},
			{key: "agents tracked", value: fmt.Sprint(st.RateLimit.AgentsTracked)},
		}, s))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
