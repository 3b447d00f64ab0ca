package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"autoreply/internal/app"
	"autoreply/internal/config"
	"autoreply/internal/session"
	logx "autoreply/pkg/logx"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and repair conversation sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsResetCmd())
	cmd.AddCommand(newSessionsRebuildCmd())
	return cmd
}

var ErrDaemonRunning = errors.New("daemon is running")

func withSessions(cmd *cobra.Command, fn func(*session.Store) error) error {
	return openSessions(cmd, false, fn)
}

// withOfflineSessions is withSessions for commands that rewrite the index.
// A running daemon keeps the index in memory and would overwrite the edit.
func withOfflineSessions(cmd *cobra.Command, fn func(*session.Store) error) error {
	return openSessions(cmd, true, fn)
}

func openSessions(cmd *cobra.Command, offline bool, fn func(*session.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if force, _ := cmd.Flags().GetBool("force"); offline && !force {
		if daemonUp(cmd.Context(), cfg) {
			return fmt.Errorf("%w on %s; stop it first or use POST /admin/sessions/{id}/reset", ErrDaemonRunning, cfg.Addr())
		}
	}
	level, _ := cmd.Flags().GetString("log-level")
	store, err := app.OpenSessions(cfg, logx.NewConsole(level))
	if err != nil {
		return err
	}
	return fn(store)
}

// daemonUp reports whether an autoreply health endpoint answers on the
// configured listen address.
func daemonUp(ctx context.Context, cfg *config.Config) bool {
	host, port, err := net.SplitHostPort(cfg.Addr())
	if err != nil {
		return false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+net.JoinHostPort(host, port)+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Status string `json:"status"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&body) != nil {
		return false
	}
	return body.Status == "ok" || body.Status == "degraded"
}

func newSessionsListCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSessions(cmd, func(s *session.Store) error {
				list := s.Sessions()
				if outputJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				if len(list) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
					return nil
				}
				for _, md := range list {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d msgs\t~%d tokens\t%s\t%s\n",
						md.SessionKey, md.MessageCount, md.EstimatedTokens,
						md.LastActivity.Format("2006-01-02 15:04"), md.SenderName)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newSessionsResetCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset <sender_id>",
		Short: "Archive a sender's history and start fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("sender_id is required")
			}
			return withOfflineSessions(cmd, func(s *session.Store) error {
				key := session.KeyFor(id)
				if err := s.Reset(cmd.Context(), key, reason); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual reset", "Reason recorded in the fresh history")
	cmd.Flags().Bool("force", false, "Skip the running-daemon check")
	return cmd
}

func newSessionsRebuildCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute the session index from the per-sender logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOfflineSessions(cmd, func(s *session.Store) error {
				rep, err := s.Rebuild(cmd.Context())
				if err != nil {
					return err
				}
				if outputJSON {
					return writeJSON(cmd.OutOrStdout(), rep)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logs=%d sessions=%d added=%d fixed=%d removed=%d skipped=%d renamed=%d\n",
					rep.Logs, rep.Sessions, rep.Added, rep.Fixed, rep.Removed, rep.Skipped, rep.Renamed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	cmd.Flags().Bool("force", false, "Skip the running-daemon check")
	return cmd
}
