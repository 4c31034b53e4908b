package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// activityMarker is the byte input hooks append per user interaction.
const activityMarker = 'a'

func newSignalCommand(ctx *commandContext) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Record user activity as the input hook would",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			if err := appendActivity(cfg.Paths.SignalPath, count); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded %d activity events in %s\n", count, cfg.Paths.SignalPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "Number of events to record")
	return cmd
}

func appendActivity(path string, count int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create signal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open signal file: %w", err)
	}
	defer f.Close()
	markers := make([]byte, count)
	for i := range markers {
		markers[i] = activityMarker
	}
	if _, err := f.Write(markers); err != nil {
		return fmt.Errorf("write signal file: %w", err)
	}
	return nil
}
