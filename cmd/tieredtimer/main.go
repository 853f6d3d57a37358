package main

import (
	"log"
	"os"

	"github.com/KFCxMcDonalds/tieredtimer/cmd/tieredtimer/bootstrap"
	"github.com/urfave/cli/v2"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    bootstrap.FlagConfig,
		Aliases: []string{"c"},
		Usage:   "yaml config file; in-memory defaults when omitted",
		EnvVars: []string{"TIEREDTIMER_CONFIG"},
	}

	app := &cli.App{
		Name:   "tieredtimer",
		Usage:  "durable delayed task scheduler",
		Flags:  []cli.Flag{configFlag},
		Action: bootstrap.ServeCli,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the scheduler and its REST API",
				Action: bootstrap.ServeCli,
			},
			{
				Name:  "dlq",
				Usage: "inspect the dead-letter store",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "print dead letters",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: bootstrap.FlagClient, Usage: "only this client's dead letters"},
						},
						Action: bootstrap.ListDeadLettersCli,
					},
					{
						Name:   "purge",
						Usage:  "delete every dead letter",
						Action: bootstrap.PurgeDeadLettersCli,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
