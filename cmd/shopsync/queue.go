package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/ui"
)

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		GroupID: "sync",
		Short:   "Inspect and manage pending changes",
	}
	cmd.AddCommand(newQueueListCmd(c), newQueueRetryCmd(c), newQueueClearCmd(c))
	return cmd
}

func newQueueListCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending changes in delivery order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), openQuiet)
			if err != nil {
				return err
			}
			defer s.Close()

			changes := s.eng.Queue()
			if asJSON {
				if changes == nil {
					changes = []*schema.PendingChange{}
				}
				out, err := json.MarshalIndent(changes, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out(), string(out))
				return nil
			}

			if len(changes) == 0 {
				c.term.Successf("Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(changes))
			for _, ch := range changes {
				state := c.term.RenderWarn(string(ch.Status))
				if ch.Failed() {
					state = c.term.RenderFail(string(ch.Status))
				}
				rows = append(rows, []string{
					shortID(ch.ID),
					string(ch.Op),
					ch.Path(),
					fmt.Sprint(ch.Attempts),
					state,
					truncate(ch.LastError, 48),
				})
			}
			fmt.Fprintln(c.out(), c.term.Table([]string{"ID", "OP", "PATH", "TRIES", "STATUS", "LAST ERROR"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print changes as JSON")
	return cmd
}

func newQueueRetryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Re-arm failed changes (all of them without ids) and sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), openSync)
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := expandIDs(s.eng.Queue(), args)
			if err != nil {
				return err
			}
			n, err := s.eng.RetryFailed(ids...)
			if err = c.localResult(err); err != nil {
				return err
			}
			if n == 0 {
				c.term.Successf("No failed changes to retry")
				return nil
			}
			c.term.Successf("Re-armed %d change(s)", n)
			c.syncAfterWrite(cmd.Context(), s.eng)
			return nil
		},
	}
}

func newQueueClearCmd(c *cli) *cobra.Command {
	var (
		failedOnly bool
		yes        bool
	)
	cmd := &cobra.Command{
		Use:   "clear [id...]",
		Short: "Drop queued changes without delivering them",
		Long: `Drop queued changes without delivering them: the given ids, every failed
change with --failed, or the whole queue. Local documents are left as they
are, so dropped edits remain visible locally until the next pull.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if failedOnly && len(args) > 0 {
				return fmt.Errorf("use either --failed or ids, not both")
			}

			s, err := c.open(cmd.Context(), openQuiet)
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := expandIDs(s.eng.Queue(), args)
			if err != nil {
				return err
			}

			if !yes {
				what := "the whole queue"
				switch {
				case failedOnly:
					what = "every failed change"
				case len(ids) > 0:
					what = fmt.Sprintf("%d change(s)", len(ids))
				}
				ok, err := c.term.Confirm("Drop " + what + " without syncing?")
				if errors.Is(err, ui.ErrNotInteractive) {
					return fmt.Errorf("refusing to clear without confirmation (use --yes)")
				}
				if err != nil {
					return err
				}
				if !ok {
					c.term.Warnf("Cancelled")
					return nil
				}
			}

			var n int
			if failedOnly {
				n, err = s.eng.ClearFailed()
			} else {
				n, err = s.eng.ClearChanges(ids...)
			}
			if err = c.localResult(err); err != nil {
				return err
			}
			c.term.Successf("Dropped %d change(s)", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "drop only failed changes")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// expandIDs resolves unique id prefixes as printed by queue list.
func expandIDs(changes []*schema.PendingChange, prefixes []string) ([]string, error) {
	ids := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		var match string
		for _, ch := range changes {
			if !strings.HasPrefix(ch.ID, p) {
				continue
			}
			if match != "" {
				return nil, fmt.Errorf("id prefix %q is ambiguous", p)
			}
			match = ch.ID
		}
		if match == "" {
			return nil, fmt.Errorf("no queued change with id %q", p)
		}
		ids = append(ids, match)
	}
	return ids, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
