package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/shopsync/internal/loadtest"
	"github.com/mschirtzinger/shopsync/internal/logging"
)

func newBenchCmd(c *cli) *cobra.Command {
	cfg := loadtest.DefaultConfig()
	var sqlite bool

	cmd := &cobra.Command{
		Use:     "bench",
		GroupID: "admin",
		Short:   "Measure write latency and queue drain throughput",
		Long: `Run concurrent writers against a throwaway engine backed by an in-process
remote, then wait for the queue to drain.

The run never touches the configured database or remote store.

Examples:
  shopsync bench
  shopsync bench --writers 50 --writes 100 --latency 20ms
  shopsync bench --sqlite --rate-limit 5ms`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog, err := logging.New(c.cfg.Log)
			if err != nil {
				return err
			}
			defer closeLog()
			cfg.Logger = logger

			if sqlite {
				dir, err := os.MkdirTemp("", "shopsync-bench-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(dir)
				cfg.DBPath = filepath.Join(dir, "bench.db")
			}

			fmt.Fprintf(c.out(), "%s %d writer(s) x %d write(s), remote latency %v\n",
				c.term.RenderAccent("→"), cfg.Writers, cfg.WritesPerWriter, cfg.Latency)

			report, err := loadtest.Run(cmd.Context(), cfg)
			if report != nil {
				report.Print(c.out())
			}
			if err != nil {
				return err
			}
			if report.Errors > 0 {
				c.term.Warnf("%d write(s) failed", report.Errors)
				return nil
			}
			c.term.Successf("All %d change(s) delivered", report.Delivered)
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.Writers, "writers", cfg.Writers, "concurrent writers")
	cmd.Flags().IntVar(&cfg.WritesPerWriter, "writes", cfg.WritesPerWriter, "writes per writer")
	cmd.Flags().DurationVar(&cfg.Latency, "latency", cfg.Latency, "delay added to every remote write")
	cmd.Flags().DurationVar(&cfg.RateLimit, "rate-limit", 0, "pause after each delivery")
	cmd.Flags().DurationVar(&cfg.DrainTimeout, "timeout", time.Minute, "maximum wait for the queue to drain")
	cmd.Flags().BoolVar(&sqlite, "sqlite", false, "use a temporary SQLite database instead of memory")
	return cmd
}
