package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/agentpay/service/nats"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func eventsWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream lifecycle events from NATS JetStream",
		ArgsUsage: "[wallet-id]",
		Description: `Stream new transaction lifecycle events as they are published.
Events are read from subject txlife.{wallet-id}, or every wallet when omitted.

Each --jq filter runs against the event JSON; an event is printed only when
every filter returns a truthy value.

Examples:
  agentpay events watch w1
  agentpay events watch --jq '.status == "confirmed"' --count 1 --timeout 2m`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "jq", Usage: "jq filter that must be truthy (repeatable)"},
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "Exit after this many matching events (0 = unlimited)"},
			&cli.DurationFlag{Name: "timeout", Usage: "Stop watching after this long (0 = until interrupted)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("accepts at most one argument: wallet ID")
			}
			walletID := c.Args().First()

			codes, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			}))
			subscriber, err := natspkg.NewSubscriber(c.String("nats-url"), "agentpay-cli", logger)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer subscriber.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			if !c.Bool("json") {
				target := walletID
				if target == "" {
					target = "all wallets"
				}
				fmt.Fprintf(c.App.ErrWriter, "Watching lifecycle events for %s (Ctrl+C to stop)...\n\n", target)
			}

			limit := c.Int("count")
			matched := 0
			err = subscriber.Subscribe(ctx, walletID, func(event *natspkg.TransactionEvent) {
				ok, err := matchEvent(codes, event)
				if err != nil {
					logger.Debug("jq filter error", "error", err)
					return
				}
				if !ok {
					return
				}
				if c.Bool("json") {
					data, _ := json.Marshal(event)
					fmt.Fprintln(c.App.Writer, string(data))
				} else {
					printEvent(c.App.Writer, event)
				}
				matched++
				if limit > 0 && matched >= limit {
					cancel()
				}
			})
			if err != nil {
				return fmt.Errorf("failed to watch events: %w", err)
			}
			if limit > 0 && matched < limit {
				return fmt.Errorf("stopped after %d of %d matching events", matched, limit)
			}
			return nil
		},
	}
}

func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchEvent reports whether every filter is truthy for the event's JSON form.
func matchEvent(codes []*gojq.Code, event *natspkg.TransactionEvent) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}

	// gojq works on generic JSON values
	raw, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	for _, code := range codes {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, err
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func printEvent(w io.Writer, event *natspkg.TransactionEvent) {
	from := "-"
	if event.FromStatus != nil {
		from = *event.FromStatus
	}
	fmt.Fprintf(w, "[%s] %s wallet=%s %s -> %s",
		event.Timestamp.Format(time.RFC3339),
		event.TransactionID,
		event.WalletID,
		from,
		event.Status,
	)
	if event.Signature != nil {
		fmt.Fprintf(w, " signature=%s", *event.Signature)
	}
	if event.ErrorMessage != nil {
		fmt.Fprintf(w, " error=%q", *event.ErrorMessage)
	}
	fmt.Fprintln(w)
}
