package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"quantdesk/internal/dashboard"
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "screen the latest trading day for buy and sell signals",
		ArgsUsage: "<strategy>",
		Flags: []cli.Flag{
			dateFlag("date", "as-of day (YYYY-MM-DD, default today)", false),
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "strategy parameter override as key=value, repeatable",
			},
			&cli.BoolFlag{
				Name:  "no-save",
				Usage: "report the signals without recording them",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output format: text, json or yaml",
				Value:   "text",
			},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			name := cmd.Args().First()
			if name == "" {
				return fmt.Errorf("missing strategy name; available: %s", strings.Join(a.registry.List(), ", "))
			}
			params, err := parseParams(cmd.StringSlice("param"))
			if err != nil {
				return err
			}
			req := strategy.ScanRequest{
				Strategy: name,
				Params:   params,
				Record:   !cmd.Bool("no-save"),
			}
			if cmd.IsSet("date") {
				req.Date = dayOf(cmd.Timestamp("date"))
			}
			res, err := a.scanner().Scan(ctx, req)
			if err != nil {
				return err
			}
			return writeScan(os.Stdout, cmd.String("output"), res)
		}),
	}
}

func writeScan(w io.Writer, format string, res *strategy.ScanResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(res)
	case "text":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "strategy\t%s\n", res.Strategy)
	fmt.Fprintf(tw, "date\t%s\n", res.Date.Format("2006-01-02"))
	fmt.Fprintf(tw, "next session\t%s\n", res.NextSession.Format("2006-01-02"))
	fmt.Fprintf(tw, "selected\t%d\n", res.Selected)
	fmt.Fprintf(tw, "buys / sells / holds\t%d / %d / %d\n", len(res.Buys), len(res.Sells), res.Holds)
	if res.Recorded {
		fmt.Fprintf(tw, "recorded\topened %d, closed %d\n", res.Opened, res.Closed)
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(tw, "skipped symbols\t%s\n", strings.Join(res.Skipped, ","))
	}
	hits := append(append([]domain.SignalHit{}, res.Buys...), res.Sells...)
	if len(hits) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SIGNAL\tSYMBOL\tNAME\tCLOSE")
		for _, h := range hits {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Signal, h.Symbol, h.Name, dashboard.FormatPrice(h.Close))
		}
	}
	return tw.Flush()
}

func signalsCommand() *cli.Command {
	output := func() cli.Flag {
		return &cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "text", Usage: "text, json or yaml"}
	}
	return &cli.Command{
		Name:  "signals",
		Usage: "inspect recorded screener signals",
		Commands: []*cli.Command{
			{
				Name:      "latest",
				Usage:     "show the rows touched by the most recent scan",
				ArgsUsage: "<strategy>",
				Flags:     []cli.Flag{output()},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					name, err := strategyArg(cmd)
					if err != nil {
						return err
					}
					records, err := a.db.LatestSignals(ctx, name)
					if err != nil {
						return err
					}
					return writeSignals(os.Stdout, cmd.String("output"), records)
				}),
			},
			{
				Name:      "history",
				Usage:     "list recorded signals, newest first",
				ArgsUsage: "<strategy>",
				Flags: []cli.Flag{
					output(),
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 100},
					&cli.StringFlag{Name: "status", Usage: "holding or sold (default both)"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					name, err := strategyArg(cmd)
					if err != nil {
						return err
					}
					var status domain.TradeStatus
					switch cmd.String("status") {
					case "":
					case "holding":
						status = domain.TradeStatusHolding
					case "sold":
						status = domain.TradeStatusSold
					default:
						return fmt.Errorf("unknown status %q, want holding or sold", cmd.String("status"))
					}
					records, err := a.db.ListSignals(ctx, name, status, int(cmd.Int("limit")))
					if err != nil {
						return err
					}
					return writeSignals(os.Stdout, cmd.String("output"), records)
				}),
			},
			{
				Name:      "performance",
				Usage:     "summarize closed and open signals",
				ArgsUsage: "<strategy>",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					name, err := strategyArg(cmd)
					if err != nil {
						return err
					}
					records, err := a.db.ListSignals(ctx, name, "", 0)
					if err != nil {
						return err
					}
					st := domain.SummarizeSignals(records)
					tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintf(tw, "signals\t%d\n", st.Total)
					fmt.Fprintf(tw, "holding\t%d\n", st.Holding)
					fmt.Fprintf(tw, "sold\t%d\n", st.Sold)
					fmt.Fprintf(tw, "win rate\t%s\n", dashboard.FormatPct(st.WinRate))
					fmt.Fprintf(tw, "avg profit\t%s\n", dashboard.FormatPct(st.AvgProfit))
					return tw.Flush()
				}),
			},
		},
	}
}

func strategyArg(cmd *cli.Command) (string, error) {
	name := cmd.Args().First()
	if name == "" {
		return "", fmt.Errorf("missing strategy name")
	}
	return name, nil
}

func writeSignals(w io.Writer, format string, records []domain.SignalRecord) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(records)
	case "text":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tNAME\tBUY DATE\tBUY\tSELL DATE\tSELL\tPROFIT\tDAYS\tSTATUS")
	for _, r := range records {
		sellDate, sellPrice, profit := "-", "-", "-"
		if r.SellDate != nil {
			sellDate = r.SellDate.Format("2006-01-02")
			sellPrice = dashboard.FormatPrice(r.SellPrice)
			profit = dashboard.FormatPct(r.ProfitRate)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Symbol, r.Name, r.BuyDate.Format("2006-01-02"), dashboard.FormatPrice(r.BuyPrice),
			sellDate, sellPrice, profit, r.HoldingDays, r.Status)
	}
	return tw.Flush()
}
