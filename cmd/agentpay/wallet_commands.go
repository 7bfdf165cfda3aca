package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/brojonat/agentpay/client"
	"github.com/urfave/cli/v2"
)

func walletRegisterCommand() *cli.Command {
	return &cli.Command{
		Name:      "register",
		Usage:     "Register or update a wallet",
		ArgsUsage: "<wallet-id> <public-key>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "agent", Usage: "Agent that owns the wallet"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: wallet ID and public key")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			var agentID *string
			if v := c.String("agent"); v != "" {
				agentID = &v
			}
			wallet, err := cl.RegisterWallet(context.Background(), c.Args().Get(0), c.Args().Get(1), agentID)
			if err != nil {
				return fmt.Errorf("failed to register wallet: %w", err)
			}
			return printWalletOutput(c, wallet)
		},
	}
}

func walletGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a wallet registration",
		ArgsUsage: "<wallet-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			wallet, err := cl.GetWallet(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get wallet: %w", err)
			}
			return printWalletOutput(c, wallet)
		},
	}
}

func walletListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List registered wallets",
		Action: func(c *cli.Context) error {
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			wallets, err := cl.ListWallets(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, wallets)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WALLET\tPUBLIC KEY\tSTATUS\tAGENT\tUPDATED")
			for _, wallet := range wallets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					wallet.ID,
					wallet.PublicKey,
					wallet.Status,
					orNone(wallet.AgentID),
					wallet.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d wallets\n", len(wallets))
			return nil
		},
	}
}

func walletSuspendCommand() *cli.Command {
	return walletStatusCommand("suspend", "Suspend a wallet; the signer is not called while suspended",
		(*client.Client).SuspendWallet)
}

func walletActivateCommand() *cli.Command {
	return walletStatusCommand("activate", "Reactivate a suspended wallet",
		(*client.Client).ActivateWallet)
}

func walletStatusCommand(name, usage string, fn func(*client.Client, context.Context, string) (*client.Wallet, error)) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<wallet-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			wallet, err := fn(cl, context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to %s wallet: %w", name, err)
			}
			return printWalletOutput(c, wallet)
		},
	}
}

func printWalletOutput(c *cli.Context, wallet *client.Wallet) error {
	if c.Bool("json") {
		return outputJSON(c.App.Writer, wallet)
	}
	printWallet(c.App.Writer, wallet)
	return nil
}

func printWallet(w io.Writer, wallet *client.Wallet) {
	fmt.Fprintf(w, "Wallet:     %s\n", wallet.ID)
	fmt.Fprintf(w, "Public Key: %s\n", wallet.PublicKey)
	fmt.Fprintf(w, "Status:     %s\n", wallet.Status)
	fmt.Fprintf(w, "Agent:      %s\n", orNone(wallet.AgentID))
	fmt.Fprintf(w, "Created:    %s\n", wallet.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:    %s\n", wallet.UpdatedAt.Format(time.RFC3339))
}
