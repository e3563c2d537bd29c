package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"Provenance/client"
	"Provenance/internal/registry"
)

// keygenResult is the output of keygen.
type keygenResult struct {
	Account string `json:"account"`
	Path    string `json:"path"`
}

// newKeygenCommand creates the keygen command.
func newKeygenCommand(rootOpts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(rootOpts.KeyPath); err == nil && !force {
				return newExitError(exitCommandError, fmt.Sprintf("key %s already exists (use --force to replace it)", rootOpts.KeyPath))
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return wrapExitError(exitCommandError, "stat key", err)
			}

			w := client.NewWallet()
			if err := client.SaveKey(rootOpts.KeyPath, w.PrivateKey()); err != nil {
				return wrapExitError(exitCommandError, "save key", err)
			}

			res := keygenResult{Account: w.ID().String(), Path: rootOpts.KeyPath}

			return output(cmd.OutOrStdout(), rootOpts.Format, res, func(out io.Writer) {
				fmt.Fprintf(out, "account: %s\n", res.Account)
				fmt.Fprintf(out, "key:     %s\n", res.Path)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")

	return cmd
}

// newAccountCommand creates the account command.
func newAccountCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "account [hex-account]",
		Short: "Show balance and nonce (defaults to the key's account)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := rootOpts.account(args)
			if err != nil {
				return err
			}

			info, err := rootOpts.client().Account(id)
			if err != nil {
				return nodeError("get account", err)
			}

			return printAccount(cmd, rootOpts, info)
		},
	}
}

// newFaucetCommand creates the faucet command.
func newFaucetCommand(rootOpts *rootOptions) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "faucet <amount>",
		Short: "Request test funds from a node running with -faucet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || amount == 0 {
				return newExitError(exitCommandError, fmt.Sprintf("invalid amount %q", args[0]))
			}

			var target []string
			if to != "" {
				target = []string{to}
			}

			id, err := rootOpts.account(target)
			if err != nil {
				return err
			}

			info, err := rootOpts.client().Faucet(id, amount)
			if err != nil {
				return nodeError("faucet", err)
			}

			return printAccount(cmd, rootOpts, info)
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "account to credit (defaults to the key's account)")

	return cmd
}

// account returns the account named by args, or the key's account.
func (o *rootOptions) account(args []string) (registry.AccountID, error) {
	if len(args) == 1 {
		id, err := registry.ParseAccountID(args[0])
		if err != nil {
			return id, wrapExitError(exitCommandError, "invalid account", err)
		}
		return id, nil
	}

	w, err := o.wallet()
	if err != nil {
		return registry.AccountID{}, err
	}

	return w.ID(), nil
}

func printAccount(cmd *cobra.Command, rootOpts *rootOptions, info *client.AccountInfo) error {
	return output(cmd.OutOrStdout(), rootOpts.Format, info, func(out io.Writer) {
		fmt.Fprintf(out, "account:  %s\n", info.Account)
		fmt.Fprintf(out, "free:     %d\n", info.Free)
		fmt.Fprintf(out, "reserved: %d\n", info.Reserved)
		if info.Nonce > 0 {
			fmt.Fprintf(out, "nonce:    %d\n", info.Nonce)
		}
	})
}
