package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "agentpay",
		Usage: "Solana transaction orchestration service CLI",
		Description: `A command-line tool for driving and debugging the agentpay service.

Use this CLI to submit and inspect transactions, manage wallets, watch lifecycle
events, and operate the recovery schedule.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// HTTP API commands
			{
				Name:  "tx",
				Usage: "Transaction commands",
				Subcommands: []*cli.Command{
					txCreateCommand(),
					txGetCommand(),
					txRetryCommand(),
					txApproveCommand(),
					txListCommand(),
					txEventsCommand(),
				},
			},
			{
				Name:  "wallet",
				Usage: "Wallet registry commands",
				Subcommands: []*cli.Command{
					walletRegisterCommand(),
					walletGetCommand(),
					walletListCommand(),
					walletSuspendCommand(),
					walletActivateCommand(),
				},
			},
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection commands",
				Subcommands: []*cli.Command{
					dbListTransactionsCommand(),
					dbGetTransactionCommand(),
				},
			},
			// NATS lifecycle event commands
			{
				Name:  "events",
				Usage: "Lifecycle event commands",
				Subcommands: []*cli.Command{
					eventsWatchCommand(),
				},
			},
			// Temporal recovery schedule commands
			{
				Name:  "temporal",
				Usage: "Recovery schedule commands",
				Subcommands: []*cli.Command{
					describeRecoveryCommand(),
					triggerRecoveryCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "agentpay API URL",
				EnvVars: []string{"AGENTPAY_SERVER_URL", "SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue of the recovery worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "agentpay-recovery",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
