package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"Provenance/client"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Node    string
	KeyPath string
	Format  string // "json" | "text"
}

// validFormats defines the allowed output formats.
var validFormats = []string{"text", "json"}

// newRootCommand creates the root command for the claimctl CLI.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "claimctl",
		Short: "claimctl - provenance claim registry client",
		Long:  "Create, revoke and inspect digest claims on a provenance node.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return newExitError(exitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Node, "node", "localhost:8080", "node HTTP address")
	cmd.PersistentFlags().StringVar(&opts.KeyPath, "key", "claimctl.key", "path to the hex ed25519 seed")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newKeygenCommand(opts))
	cmd.AddCommand(newCreateCommand(opts))
	cmd.AddCommand(newRevokeCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newAccountCommand(opts))
	cmd.AddCommand(newFaucetCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))

	return cmd
}

// client returns a client for the configured node.
func (o *rootOptions) client() *client.Client {
	return client.NewClient(o.Node)
}

// wallet loads the signing key. Commands that sign never create one.
func (o *rootOptions) wallet() (*client.Wallet, error) {
	priv, err := client.LoadKey(o.KeyPath)
	if err != nil {
		return nil, wrapExitError(exitCommandError, "load key (run keygen first)", err)
	}

	return client.WalletFromKey(priv), nil
}
