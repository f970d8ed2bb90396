// Command shopsync is the local-first sync engine for shop records.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mschirtzinger/shopsync/internal/config"
	"github.com/mschirtzinger/shopsync/internal/ui"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// cli carries state shared by every command of one invocation.
type cli struct {
	v       *viper.Viper
	stdin   *os.File
	cfgFile string
	color   string
	offline bool

	cfg  *config.Config
	term *ui.UI
}

func newRootCmd(stdin *os.File) *cobra.Command {
	c := &cli{v: viper.New(), stdin: stdin}

	root := &cobra.Command{
		Use:   "shopsync",
		Short: "Local-first sync for shop reports, inventory and employees",
		Long: `shopsync keeps a durable local copy of shop records and syncs it with a
remote document store whenever one is reachable.

Writes always succeed locally and are queued. The queue drains in order once
the remote is online, and failed changes are retried up to a limit before
they wait for manual action ('shopsync queue retry').`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}

	root.AddGroup(
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: shopsync.toml in the data dir or working dir)")
	flags.String("data-dir", "", "directory for the local database (default .shopsync)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("remote", "", "remote store: none, memory or mongo")
	flags.BoolVar(&c.offline, "offline", false, "do not contact the remote store")
	flags.StringVar(&c.color, "color", ui.ColorAuto, "color output: auto, always or never")

	_ = c.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("remote.kind", flags.Lookup("remote"))

	root.AddCommand(
		newWriteCmd(c),
		newReadCmd(c),
		newDeleteCmd(c),
		newSyncCmd(c),
		newPullCmd(c),
		newStatusCmd(c),
		newQueueCmd(c),
		newServeCmd(c),
		newConfigCmd(c),
		newBenchCmd(c),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	if c.offline {
		c.v.Set("remote.kind", config.RemoteNone)
	}
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	term, err := ui.New(ui.Options{
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
		Stdin:  c.stdin,
		Color:  c.color,
	})
	if err != nil {
		return err
	}
	c.term = term
	return nil
}

func (c *cli) out() io.Writer {
	return c.term.Out()
}
