package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/agentpay/service/temporal"
	"github.com/urfave/cli/v2"
)

func describeRecoveryCommand() *cli.Command {
	return &cli.Command{
		Name:    "describe-recovery",
		Usage:   "Describe the recovery schedule",
		Aliases: []string{"desc"},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			status, err := temporalClient.DescribeRecoverySchedule(context.Background())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, status)
			}
			printScheduleStatus(c.App.Writer, status)
			return nil
		},
	}
}

func triggerRecoveryCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger-recovery",
		Usage: "Run a recovery sweep now",
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			if err := temporalClient.TriggerRecovery(context.Background()); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "✓ Triggered recovery sweep (schedule: %s)\n", temporal.RecoveryScheduleID)
			return nil
		},
	}
}

func printScheduleStatus(w io.Writer, status *temporal.ScheduleStatus) {
	fmt.Fprintf(w, "Schedule ID:    %s\n", status.ID)
	fmt.Fprintf(w, "Interval:       %v\n", status.Interval)
	fmt.Fprintf(w, "Paused:         %v\n", status.Paused)
	fmt.Fprintf(w, "Total Actions:  %d\n", status.NumActions)

	fmt.Fprintf(w, "\nRecent Actions: %d\n", len(status.RecentActions))
	if n := len(status.RecentActions); n > 0 {
		fmt.Fprintf(w, "Last Action:    %s\n", status.RecentActions[n-1].Format(time.RFC3339))
	}
	if len(status.NextActionTimes) > 0 {
		fmt.Fprintf(w, "Next Action:    %s\n", status.NextActionTimes[0].Format(time.RFC3339))
	}
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		logger,
	)
}
