package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"quantdesk/internal/dashboard"
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "inspect stored backtest runs",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list the most recent runs",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					runs, err := a.db.ListRuns(ctx, int(cmd.Int("limit")))
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tSTRATEGY\tSTART\tEND\tRETURN\tSHARPE\tCREATED")
					for _, r := range runs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							r.ID, r.Strategy,
							r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"),
							dashboard.FormatPct(r.Report.TotalReturn), dashboard.FormatRatio(r.Report.SharpeRatio),
							r.CreatedAt.Local().Format("2006-01-02 15:04"))
					}
					return tw.Flush()
				}),
			},
			{
				Name:      "show",
				Usage:     "print a stored run",
				ArgsUsage: "<run-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "text", Usage: "text, json or yaml"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					id := cmd.Args().First()
					if id == "" {
						return fmt.Errorf("missing run id")
					}
					run, err := a.db.GetRun(ctx, id)
					if err != nil {
						return err
					}
					txs, err := a.db.ListTransactions(ctx, id)
					if err != nil {
						return err
					}
					values, err := a.db.ListDailyValues(ctx, id)
					if err != nil {
						return err
					}
					return writeResult(os.Stdout, cmd.String("output"), &strategy.BacktestResult{
						RunID:          run.ID,
						Strategy:       run.Strategy,
						Params:         run.Params,
						Start:          run.Start,
						End:            run.End,
						InitialCapital: run.InitialCapital,
						Report:         run.Report,
						DailyValues:    values,
						Transactions:   txs,
						Trades:         domain.BuildTradeRecords(txs, run.End),
					})
				}),
			},
		},
	}
}
