package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"plotkeeper/internal/artifact"
	"plotkeeper/internal/config"
	"plotkeeper/internal/storage"
)

func newArtifactsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "artifacts [root...]",
		Short: "List generated artifacts on each device",
		Long: "List the artifacts in each device's artifact directory. Without arguments the\n" +
			"configured roots are used, or every discovered filesystem when none are configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			roots, err := artifactRoots(cfg, args)
			if err != nil {
				return err
			}
			listings := make(map[string][]artifact.Artifact, len(roots))
			for _, root := range roots {
				found, err := artifact.List(filepath.Join(root, cfg.Devices.ArtifactDir))
				if err != nil {
					return err
				}
				listings[root] = found
			}
			if asJSON {
				return writeJSON(cmd, listings)
			}
			renderArtifacts(cmd.OutOrStdout(), roots, listings, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func artifactRoots(cfg *config.Config, args []string) ([]string, error) {
	if len(args) > 0 {
		roots := make([]string, 0, len(args))
		for _, arg := range args {
			expanded, err := config.ExpandPath(arg)
			if err != nil {
				return nil, fmt.Errorf("resolve root %q: %w", arg, err)
			}
			roots = append(roots, expanded)
		}
		return roots, nil
	}
	devices, err := storage.Discover(storage.DiscoverOptions{
		Roots:          cfg.Devices.Roots,
		ExcludeFSTypes: cfg.Devices.ExcludeFSTypes,
	})
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(devices))
	for _, d := range devices {
		roots = append(roots, d.Path)
	}
	return roots, nil
}

func renderArtifacts(w io.Writer, roots []string, listings map[string][]artifact.Artifact, colorize bool) {
	for i, root := range roots {
		if i > 0 {
			fmt.Fprintln(w)
		}
		for _, line := range renderSectionHeader(root, colorize) {
			fmt.Fprintln(w, line)
		}
		found := listings[root]
		if len(found) == 0 {
			fmt.Fprintln(w, "No artifacts")
			continue
		}
		rows := make([][]string, 0, len(found))
		var units uint64
		var bytes uint64
		for _, a := range found {
			size := uint64(max(a.Size, 0))
			rows = append(rows, []string{
				a.Name,
				fmt.Sprintf("%d", a.Start),
				fmt.Sprintf("%d", a.Count),
				formatBytes(size),
			})
			units += a.Count
			bytes += size
		}
		fmt.Fprint(w, renderTable(
			[]string{"Name", "Start", "Units", "Size"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
		))
		fmt.Fprintf(w, "%d artifacts, %d units, %s\n", len(found), units, formatBytes(bytes))
	}
}
