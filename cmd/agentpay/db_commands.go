package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/agentpay/service/db"
	"github.com/brojonat/agentpay/service/txn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func dbListTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-transactions",
		Usage:   "List transaction records straight from the database",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wallet", Aliases: []string{"w"}, Usage: "Filter by wallet ID"},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 50, Usage: "Maximum number of records"},
		},
		Action: func(c *cli.Context) error {
			filter := txn.ListFilter{
				WalletID: c.String("wallet"),
				Page:     1,
				PageSize: c.Int("limit"),
			}
			if v := c.String("status"); v != "" {
				status := txn.Status(v)
				if !status.Valid() {
					return fmt.Errorf("invalid --status %q", v)
				}
				filter.Status = &status
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			records, total, err := store.ListRecords(context.Background(), filter)
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, records)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWALLET\tTYPE\tSTATUS\tSIGNATURE\tRETRIES\tUPDATED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					rec.ID,
					rec.WalletID,
					rec.Type,
					rec.Status,
					orNone(rec.Signature),
					rec.RetryCount,
					rec.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nShowing %d of %d records\n", len(records), total)
			return nil
		},
	}
}

func dbGetTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-transaction",
		Usage:     "Show a record and its event history from the database",
		Aliases:   []string{"get"},
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			id := c.Args().First()
			rec, err := store.GetRecord(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			events, err := store.ListEvents(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]any{
					"record": rec,
					"events": events,
				})
			}

			out := c.App.Writer
			fmt.Fprintf(out, "ID:          %s\n", rec.ID)
			fmt.Fprintf(out, "Wallet:      %s\n", rec.WalletID)
			fmt.Fprintf(out, "Type:        %s\n", rec.Type)
			fmt.Fprintf(out, "Status:      %s\n", rec.Status)
			fmt.Fprintf(out, "Signature:   %s\n", orNone(rec.Signature))
			fmt.Fprintf(out, "Retries:     %d\n", rec.RetryCount)
			fmt.Fprintf(out, "Error:       %s\n", orNone(rec.ErrorMessage))
			fmt.Fprintf(out, "Idempotency: %s\n", orNone(rec.IdempotencyKey))
			fmt.Fprintf(out, "\nHistory:\n")
			for _, ev := range events {
				from := "-"
				if ev.FromStatus != nil {
					from = string(*ev.FromStatus)
				}
				fmt.Fprintf(out, "  %s  %s -> %s\n", ev.CreatedAt.Format(time.RFC3339), from, ev.ToStatus)
			}
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}
