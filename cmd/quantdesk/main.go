package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const version = "0.3.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := &cli.Command{
		Name:    "quantdesk",
		Usage:   "A-share strategy backtesting",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   "config/quantdesk.yaml",
				Sources: cli.EnvVars("QUANTDESK_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			backtestCommand(),
			scanCommand(),
			signalsCommand(),
			gatherCommand(),
			calendarCommand(),
			serveCommand(),
			runsCommand(),
			strategiesCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "quantdesk: %v\n", err)
		os.Exit(1)
	}
}
