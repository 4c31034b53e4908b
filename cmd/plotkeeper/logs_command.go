package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"plotkeeper/internal/logs"
)

const currentLogName = "plotkeeperd.log"

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the current daemon log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if lines < 0 {
				return fmt.Errorf("--lines must not be negative")
			}
			path := filepath.Join(cfg.Paths.LogDir, currentLogName)
			out := cmd.OutOrStdout()
			if follow {
				return logs.Follow(cmd.Context(), path, lines, time.Second, func(line string) {
					fmt.Fprintln(out, line)
				})
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return fmt.Errorf("no daemon log at %s; start the daemon with `plotkeeper run`", path)
			}
			found, _, err := logs.Last(path, lines)
			if err != nil {
				return err
			}
			for _, line := range found {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow the log as it grows")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	return cmd
}
