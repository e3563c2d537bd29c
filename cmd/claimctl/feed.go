package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"
)

// newEventsCommand creates the events command.
func newEventsCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		from  uint64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List committed registry events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := rootOpts.client().Events(from, limit)
			if err != nil {
				return nodeError("list events", err)
			}

			return output(cmd.OutOrStdout(), rootOpts.Format, list, func(out io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(out, "No events.")
					return
				}

				for _, ev := range list {
					fmt.Fprintf(out, "%6d  %-13s %s  %s\n", ev.Seq, ev.Kind, shortHex(ev.Owner), ev.Digest)
				}
			})
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 1, "first event seq")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")

	return cmd
}

// snapshotResult is the output of snapshot.
type snapshotResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
	Hash  string `json:"hash"`
}

// newSnapshotCommand creates the snapshot command.
func newSnapshotCommand(rootOpts *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Download the node's compressed state snapshot",
		Long: `Download a snapshot that a node can restore with -restore.

Examples:
  claimctl snapshot --out state.snap`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := rootOpts.client().Snapshot()
			if err != nil {
				return nodeError("download snapshot", err)
			}

			if err := os.WriteFile(out, data, 0o644); err != nil {
				return wrapExitError(exitCommandError, "write snapshot", err)
			}

			sum := blake3.Sum256(data)
			res := snapshotResult{Path: out, Bytes: len(data), Hash: fmt.Sprintf("%x", sum)}

			return output(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s (%d bytes, blake3 %s)\n", res.Path, res.Bytes, shortHex(res.Hash))
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (required)")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}

// newStatusCommand creates the status command.
func newStatusCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := rootOpts.client().Status()
			if err != nil {
				return nodeError("status", err)
			}

			return output(cmd.OutOrStdout(), rootOpts.Format, status, func(out io.Writer) {
				keys := make([]string, 0, len(status))
				for k := range status {
					keys = append(keys, k)
				}
				sort.Strings(keys)

				for _, k := range keys {
					fmt.Fprintf(out, "%-10s %v\n", k+":", status[k])
				}
			})
		},
	}
}
