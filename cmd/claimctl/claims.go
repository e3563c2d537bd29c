package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"Provenance/client"
)

// newCreateCommand creates the create command.
func newCreateCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &digestOptions{}

	cmd := &cobra.Command{
		Use:   "create [hex-digest]",
		Short: "Claim a digest, reserving the claim fee",
		Long: `Claim a digest for the key's account. The fee is reserved until the
claim is revoked.

Examples:
  claimctl create 00ff
  claimctl create --file ./report.pdf`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, rootOpts, opts, args, (*client.Wallet).CreateClaim)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "claim the blake3 hash of this file")

	return cmd
}

// newRevokeCommand creates the revoke command.
func newRevokeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &digestOptions{}

	cmd := &cobra.Command{
		Use:   "revoke [hex-digest]",
		Short: "Revoke an owned claim and release its fee",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, rootOpts, opts, args, (*client.Wallet).RevokeClaim)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "revoke the claim on the blake3 hash of this file")

	return cmd
}

// submitFunc is a signed wallet operation.
type submitFunc func(w *client.Wallet, c *client.Client, digest []byte) (*client.SubmitResult, error)

func runSubmit(cmd *cobra.Command, rootOpts *rootOptions, opts *digestOptions, args []string, submit submitFunc) error {
	digest, err := opts.resolve(args)
	if err != nil {
		return err
	}

	w, err := rootOpts.wallet()
	if err != nil {
		return err
	}

	res, err := submit(w, rootOpts.client(), digest)
	if err != nil {
		return nodeError(cmd.Name()+" failed", err)
	}

	return output(cmd.OutOrStdout(), rootOpts.Format, res, func(out io.Writer) {
		fmt.Fprintf(out, "%s %x\n", cmd.Name(), digest)
		fmt.Fprintf(out, "  tx:     %s\n", res.Hash)
		fmt.Fprintf(out, "  events: %s\n", joinSeqs(res.Events))
	})
}

// newGetCommand creates the get command.
func newGetCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &digestOptions{}

	cmd := &cobra.Command{
		Use:   "get [hex-digest]",
		Short: "Show the claim on a digest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := opts.resolve(args)
			if err != nil {
				return err
			}

			info, err := rootOpts.client().Claim(digest)
			if err != nil {
				return nodeError("get claim", err)
			}

			return output(cmd.OutOrStdout(), rootOpts.Format, info, func(out io.Writer) {
				fmt.Fprintf(out, "digest:     %s\n", info.Digest)
				fmt.Fprintf(out, "owner:      %s\n", info.Owner)
				fmt.Fprintf(out, "created at: %d\n", info.CreatedAt)
			})
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "look up the blake3 hash of this file")

	return cmd
}

func joinSeqs(seqs []uint64) string {
	if len(seqs) == 0 {
		return "-"
	}

	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = fmt.Sprint(s)
	}

	return strings.Join(parts, ",")
}

// shortHex abbreviates a hex string for table output.
func shortHex(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16]
}
