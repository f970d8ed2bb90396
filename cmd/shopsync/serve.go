package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/dashboard"
	"github.com/mschirtzinger/shopsync/internal/inbox"
	"github.com/mschirtzinger/shopsync/internal/status"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "admin",
		Short:   "Run the sync engine until interrupted",
		Long: `Run the sync engine in the foreground.

While running, the engine probes the remote store, drains the queue shortly
after every write and after connectivity returns, and resyncs on the
configured schedule. Optionally it also serves a live status dashboard and
imports JSON files dropped into the inbox directory.

Dashboard endpoints:
  ws://localhost:8080/ws     status events and stats
  GET  /health /stats /queue
  POST /sync                 force a sync pass

Examples:
  shopsync serve
  shopsync serve --dashboard --port 9000
  shopsync serve --inbox --inbox-dir ./drop --remote mongo`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := c.open(ctx, openServe)
			if err != nil {
				return err
			}
			defer s.Close()

			events, unsubscribe := s.eng.Subscribe(32)
			defer unsubscribe()

			if c.cfg.Dashboard.Enabled {
				server := dashboard.NewServer(s.eng, &dashboard.Config{
					Port:   c.cfg.Dashboard.Port,
					Logger: s.logger,
				})
				if err := server.Start(); err != nil {
					return fmt.Errorf("failed to start dashboard: %w", err)
				}
				defer func() {
					if err := server.Stop(); err != nil {
						s.logger.Warn("Dashboard shutdown failed", zap.Error(err))
					}
				}()
				c.term.Field("Dashboard", fmt.Sprintf("http://localhost:%d", c.cfg.Dashboard.Port))
				c.term.Field("WebSocket", fmt.Sprintf("ws://localhost:%d/ws", c.cfg.Dashboard.Port))
			}

			if c.cfg.Inbox.Enabled {
				in, err := inbox.New(s.eng, &inbox.Config{
					Dir:               c.cfg.InboxDir(),
					Debounce:          c.cfg.Inbox.Debounce,
					RemoveAfterImport: c.cfg.Inbox.RemoveAfterImport,
					Logger:            s.logger,
				})
				if err != nil {
					return err
				}
				if err := in.Start(ctx); err != nil {
					return fmt.Errorf("failed to start inbox: %w", err)
				}
				defer func() {
					if err := in.Stop(); err != nil {
						s.logger.Warn("Inbox shutdown failed", zap.Error(err))
					}
				}()
				c.term.Field("Inbox", c.cfg.InboxDir())
			}

			stats := s.eng.Stats()
			c.term.Successf("shopsync running (remote: %s, %d pending)", c.cfg.Remote.Kind, stats.PendingChanges)
			fmt.Fprintln(c.out(), c.term.RenderMuted("Press Ctrl+C to stop"))

			for {
				select {
				case <-ctx.Done():
					fmt.Fprintln(c.out(), "\nShutting down...")
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					c.printEvent(ev)
				}
			}
		},
	}

	cmd.Flags().Bool("dashboard", false, "serve the status dashboard")
	cmd.Flags().IntP("port", "p", 0, "dashboard port (default 8080)")
	cmd.Flags().Bool("inbox", false, "import JSON files dropped into the inbox directory")
	cmd.Flags().String("inbox-dir", "", "inbox directory (default <data-dir>/inbox)")

	_ = c.v.BindPFlag("dashboard.enabled", cmd.Flags().Lookup("dashboard"))
	_ = c.v.BindPFlag("dashboard.port", cmd.Flags().Lookup("port"))
	_ = c.v.BindPFlag("inbox.enabled", cmd.Flags().Lookup("inbox"))
	_ = c.v.BindPFlag("inbox.dir", cmd.Flags().Lookup("inbox-dir"))
	return cmd
}

func (c *cli) printEvent(ev status.Event) {
	stamp := c.term.RenderMuted(ev.Time.Local().Format(time.TimeOnly))
	var kind string
	switch ev.Kind {
	case status.KindSuccess, status.KindOnline, status.KindReady:
		kind = c.term.RenderPass(string(ev.Kind))
	case status.KindError:
		kind = c.term.RenderFail(string(ev.Kind))
	case status.KindOffline:
		kind = c.term.RenderWarn(string(ev.Kind))
	default:
		kind = c.term.RenderAccent(string(ev.Kind))
	}
	line := fmt.Sprintf("%s %-8s %d pending", stamp, kind, ev.PendingChanges)
	if ev.Error != "" {
		line += " " + c.term.RenderFail(ev.Error)
	}
	fmt.Fprintln(c.out(), line)
}
