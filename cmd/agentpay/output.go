package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/agentpay/client"
	"github.com/urfave/cli/v2"
)

// newAPIClient builds an API client from the global --server-url flag.
func newAPIClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set AGENTPAY_SERVER_URL env var or use --server-url)")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(serverURL, nil, logger), nil
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTransaction(w io.Writer, tx *client.Transaction) {
	fmt.Fprintf(w, "ID:            %s\n", tx.ID)
	fmt.Fprintf(w, "Wallet:        %s\n", tx.WalletID)
	fmt.Fprintf(w, "Type:          %s\n", tx.Type)
	fmt.Fprintf(w, "Status:        %s\n", tx.Status)
	fmt.Fprintf(w, "Signature:     %s\n", orNone(tx.Signature))
	if tx.FeeLamports != nil {
		fmt.Fprintf(w, "Fee:           %d lamports\n", uint64(*tx.FeeLamports))
	}
	fmt.Fprintf(w, "Gasless:       %v\n", tx.Gasless)
	fmt.Fprintf(w, "Retries:       %d\n", tx.RetryCount)
	if tx.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:         %s\n", *tx.ErrorMessage)
	}
	fmt.Fprintf(w, "Created:       %s\n", tx.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:       %s\n", tx.UpdatedAt.Format(time.RFC3339))
	if tx.ConfirmedAt != nil {
		fmt.Fprintf(w, "Confirmed:     %s\n", tx.ConfirmedAt.Format(time.RFC3339))
	}
}

func orNone(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "(none)"
}
