package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/agentpay/client"
	"github.com/brojonat/agentpay/service/txn"
	"github.com/urfave/cli/v2"
)

func txCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Submit a transaction and wait for the pipeline to finish",
		Description: `Submit a transaction request. The command returns once the record reaches
confirmed, awaiting_approval or a failure state.

Examples:
  agentpay tx create --wallet w1 --type transfer --destination <pubkey> --amount 1000000
  agentpay tx create --wallet w1 --type custom --instructions-file ixs.json --gasless`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wallet", Aliases: []string{"w"}, Usage: "Wallet identifier", Required: true},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Transaction type (transfer, swap, stake, unstake, lend, borrow, nft, custom)", Value: "transfer"},
			&cli.StringFlag{Name: "destination", Aliases: []string{"d"}, Usage: "Destination public key"},
			&cli.StringFlag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount in base units (lamports or token units)"},
			&cli.StringFlag{Name: "token-mint", Usage: "SPL token mint; omit for native SOL"},
			&cli.StringFlag{Name: "instructions-file", Usage: "JSON file holding an array of instructions"},
			&cli.StringFlag{Name: "urgency", Usage: "Priority fee urgency (low, medium, high, max)"},
			&cli.BoolFlag{Name: "gasless", Usage: "Submit through the fee relay"},
			&cli.StringFlag{Name: "agent", Usage: "Agent identifier"},
			&cli.StringFlag{Name: "idempotency-key", Aliases: []string{"k"}, Usage: "Idempotency key; repeats return the existing record"},
			&cli.StringFlag{Name: "metadata", Usage: "JSON object attached to the record"},
		},
		Action: func(c *cli.Context) error {
			req, err := buildCreateRequest(c)
			if err != nil {
				return err
			}

			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			tx, created, err := cl.CreateTransaction(context.Background(), req)
			if err != nil {
				return fmt.Errorf("failed to create transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, tx)
			}
			if !created {
				fmt.Fprintln(c.App.ErrWriter, "Idempotency key matched an existing record")
			}
			printTransaction(c.App.Writer, tx)
			return nil
		},
	}
}

func buildCreateRequest(c *cli.Context) (client.CreateTransactionRequest, error) {
	req := client.CreateTransactionRequest{
		WalletID:    c.String("wallet"),
		Type:        txn.Type(c.String("type")),
		Destination: c.String("destination"),
		TokenMint:   c.String("token-mint"),
		Urgency:     txn.Urgency(c.String("urgency")),
		Gasless:     c.Bool("gasless"),
	}
	if !req.Type.Valid() {
		return req, fmt.Errorf("invalid --type %q", req.Type)
	}
	if req.Urgency != "" && !req.Urgency.Valid() {
		return req, fmt.Errorf("invalid --urgency %q: must be low, medium, high or max", req.Urgency)
	}
	if v := c.String("amount"); v != "" {
		amount, err := txn.ParseAmount(v)
		if err != nil {
			return req, err
		}
		req.Amount = &amount
	}
	if v := c.String("agent"); v != "" {
		req.AgentID = &v
	}
	if v := c.String("idempotency-key"); v != "" {
		req.IdempotencyKey = &v
	}
	if v := c.String("metadata"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Metadata); err != nil {
			return req, fmt.Errorf("invalid --metadata: must be a JSON object: %w", err)
		}
	}
	if path := c.String("instructions-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, fmt.Errorf("failed to read instructions file: %w", err)
		}
		if err := json.Unmarshal(data, &req.Instructions); err != nil {
			return req, fmt.Errorf("failed to parse instructions file: %w", err)
		}
	}
	return req, nil
}

func txGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a transaction record",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			tx, err := cl.GetTransaction(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, tx)
			}
			printTransaction(c.App.Writer, tx)
			return nil
		},
	}
}

func txRetryCommand() *cli.Command {
	return &cli.Command{
		Name:      "retry",
		Usage:     "Retry a failed or permanently failed transaction",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			tx, err := cl.RetryTransaction(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to retry transaction: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, tx)
			}
			printTransaction(c.App.Writer, tx)
			return nil
		},
	}
}

func txApproveCommand() *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve or deny a transaction awaiting approval",
		ArgsUsage: "<transaction-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "deny", Usage: "Deny instead of approve"},
			&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "Reason recorded with the decision"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			tx, err := cl.ResolveApproval(context.Background(), c.Args().First(), !c.Bool("deny"), c.String("reason"))
			if err != nil {
				return fmt.Errorf("failed to resolve approval: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, tx)
			}
			printTransaction(c.App.Writer, tx)
			return nil
		},
	}
}

func txListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List a wallet's transactions, newest first",
		ArgsUsage: "<wallet-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status"},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Filter by type"},
			&cli.IntFlag{Name: "page", Aliases: []string{"p"}, Value: 1, Usage: "Page number"},
			&cli.IntFlag{Name: "page-size", Value: 20, Usage: "Records per page (max 100)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			list, err := cl.ListWalletTransactions(context.Background(), c.Args().First(), client.ListOptions{
				Status:   txn.Status(c.String("status")),
				Type:     txn.Type(c.String("type")),
				Page:     c.Int("page"),
				PageSize: c.Int("page-size"),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, list)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tSIGNATURE\tRETRIES\tCREATED")
			for _, tx := range list.Transactions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					tx.ID,
					tx.Type,
					tx.Status,
					orNone(tx.Signature),
					tx.RetryCount,
					tx.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nPage %d: %d of %d transactions (more: %v)\n",
				list.Page, len(list.Transactions), list.Total, list.HasMore)
			return nil
		},
	}
}

func txEventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "Show a transaction's status history, oldest first",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			events, err := cl.ListEvents(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, events)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tSIGNATURE\tRETRIES\tERROR")
			for _, ev := range events {
				from := "-"
				if ev.FromStatus != nil {
					from = string(*ev.FromStatus)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					ev.CreatedAt.Format(time.RFC3339),
					from,
					ev.ToStatus,
					orNone(ev.Signature),
					ev.RetryCount,
					orNone(ev.ErrorMessage),
				)
			}
			return w.Flush()
		},
	}
}
