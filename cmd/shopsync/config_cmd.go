package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/shopsync/internal/config"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: "admin",
		Short:   "Create or inspect the configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the effective configuration as a commented TOML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(c.cfg.DataDir, "shopsync.toml")
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteFile(path, c.cfg, force); err != nil {
				return err
			}
			c.term.Successf("Wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.WriteYAML(c.out(), c.cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
