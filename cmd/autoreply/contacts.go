package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"autoreply/internal/app"
	"autoreply/internal/pairing"
	logx "autoreply/pkg/logx"
)

func newContactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the pairing allowlist",
	}
	cmd.AddCommand(newContactsListCmd())
	cmd.AddCommand(newContactsApproveCmd())
	cmd.AddCommand(newContactsApproveCodeCmd())
	cmd.AddCommand(newContactsBlockCmd())
	return cmd
}

// withContacts opens the contacts database for the duration of fn.
func withContacts(cmd *cobra.Command, fn func(*pairing.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level, _ := cmd.Flags().GetString("log-level")
	store, err := app.OpenContacts(cfg, logx.NewConsole(level))
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newContactsListCmd() *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "list [status]",
		Short: "List contacts, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status pairing.Status
			if len(args) == 1 && !strings.EqualFold(args[0], "all") {
				st, err := pairing.ParseStatus(args[0])
				if err != nil {
					return err
				}
				status = st
			}
			return withContacts(cmd, func(s *pairing.Store) error {
				records, err := s.List(cmd.Context(), status)
				if err != nil {
					return err
				}
				if outputJSON {
					return writeJSON(cmd.OutOrStdout(), records)
				}
				if len(records) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no contacts")
					return nil
				}
				for _, c := range records {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
						c.SenderID, c.Status, c.DisplayName, c.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print as JSON")
	return cmd
}

func newContactsApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <sender_id>",
		Short: "Approve a sender directly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("sender_id is required")
			}
			return withContacts(cmd, func(s *pairing.Store) error {
				if _, err := s.Approve(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", id)
				return nil
			})
		},
	}
}

func newContactsApproveCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve-code <code>",
		Short: "Approve the pending sender holding a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContacts(cmd, func(s *pairing.Store) error {
				id, ok, err := s.ApproveByCode(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no pending contact with code %q (unknown, used or expired)", strings.TrimSpace(args[0]))
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", id)
				return nil
			})
		},
	}
}

func newContactsBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <sender_id>",
		Short: "Block a sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return errors.New("sender_id is required")
			}
			return withContacts(cmd, func(s *pairing.Store) error {
				if _, err := s.Block(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", id)
				return nil
			})
		},
	}
}
