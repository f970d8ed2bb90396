package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/shopsync/internal/engine"
	"github.com/mschirtzinger/shopsync/internal/schema"
)

func newSyncCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Deliver queued changes to the remote store now",
		Long: `Open the engine, pull every collection when the remote is reachable, and
drain the pending-change queue in order.

Changes that fail stay queued; after the configured number of attempts they
are marked failed and wait for 'shopsync queue retry'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), openSync)
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.eng.Online() {
				c.term.Warnf("Remote unreachable: %d change(s) stay queued", s.eng.Stats().PendingChanges)
				return nil
			}

			fmt.Fprintf(c.out(), "%s Syncing...\n", c.term.RenderAccent("→"))
			start := time.Now()

			ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
			defer cancel()
			syncErr := s.eng.ForceSync(ctx)

			stats := s.eng.Stats()
			if syncErr != nil {
				c.term.Errorf("Sync finished with failures: %v", syncErr)
			} else {
				c.term.Successf("Sync complete in %v", time.Since(start).Round(time.Millisecond))
			}
			c.term.Field("Pending", fmt.Sprint(stats.PendingChanges))
			c.term.Field("Failed", fmt.Sprint(stats.Failed))
			return syncErr
		},
	}
}

func newPullCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "pull",
		GroupID: "sync",
		Short:   "Replace local collections with the remote copies",
		Long: `Fetch every collection from the remote store and replace the local copy.
Changes still in the queue are laid back over the pulled documents so
unsynced local edits stay visible. Pull never delivers the queue; use
'shopsync sync' for that.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), openQuiet)
			if err != nil {
				return err
			}
			defer s.Close()

			if !s.eng.Online() {
				return fmt.Errorf("remote unreachable: %w", engine.ErrRemoteUnavailable)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
			defer cancel()
			if err := s.eng.Pull(ctx); err != nil {
				return err
			}

			c.term.Successf("Pulled all collections")
			for _, col := range schema.Collections {
				c.term.Field(string(col), fmt.Sprintf("%d document(s)", len(s.eng.Keys(col))))
			}
			return nil
		},
	}
}

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show connectivity, queue size and last sync time",
		Long: `Show connectivity, queue size and last sync time. The remote is probed
but nothing is pulled or delivered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.open(cmd.Context(), openQuiet)
			if err != nil {
				return err
			}
			defer s.Close()

			stats := s.eng.Stats()
			if asJSON {
				out, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(c.out(), string(out))
				return nil
			}

			online := c.term.RenderWarn("offline")
			if stats.Online {
				online = c.term.RenderPass("online")
			}
			lastSync := c.term.RenderMuted("never")
			if stats.LastSyncAt != nil {
				lastSync = stats.LastSyncAt.Local().Format(time.DateTime)
			}
			pending := fmt.Sprint(stats.PendingChanges)
			if stats.Failed > 0 {
				pending += " " + c.term.RenderFail(fmt.Sprintf("(%d failed)", stats.Failed))
			}

			fmt.Fprintln(c.out(), c.term.RenderHeader("shopsync status"))
			c.term.Field("Remote", c.cfg.Remote.Kind)
			c.term.Field("Connectivity", online)
			c.term.Field("Pending", pending)
			c.term.Field("Last sync", lastSync)
			c.term.Field("Database", c.cfg.DBPath())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stats as JSON")
	return cmd
}
