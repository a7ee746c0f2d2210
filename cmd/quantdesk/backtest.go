package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"quantdesk/internal/api"
	"quantdesk/internal/dashboard"
	"quantdesk/internal/domain"
	"quantdesk/internal/performance"
	"quantdesk/internal/strategy"
	"quantdesk/pkg/quantdesk"
)

func dateFlag(name, usage string, required bool) *cli.TimestampFlag {
	return &cli.TimestampFlag{
		Name:     name,
		Usage:    usage,
		Required: required,
		Config:   cli.TimestampConfig{Layouts: []string{"2006-01-02", "20060102"}},
	}
}

func backtestCommand() *cli.Command {
	return &cli.Command{
		Name:      "backtest",
		Usage:     "run a strategy over a historical date range",
		ArgsUsage: "<strategy>",
		Flags: []cli.Flag{
			dateFlag("start", "first simulated day (YYYY-MM-DD)", true),
			dateFlag("end", "last simulated day (YYYY-MM-DD)", true),
			&cli.FloatFlag{
				Name:  "capital",
				Usage: "initial capital in CNY (default from config)",
			},
			&cli.StringSliceFlag{
				Name:    "param",
				Aliases: []string{"p"},
				Usage:   "strategy parameter override as key=value, repeatable",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output format: text, json or yaml",
				Value:   "text",
			},
			&cli.BoolFlag{
				Name:  "no-save",
				Usage: "do not store the run in the database",
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "submit to a running quantdesk server at this URL instead of running locally",
				Sources: cli.EnvVars("QUANTDESK_SERVER"),
			},
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "hide the progress bar",
			},
		},
		Action: withApp(runBacktest),
	}
}

func runBacktest(ctx context.Context, cmd *cli.Command, a *app) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("missing strategy name; available: %s", strings.Join(a.registry.List(), ", "))
	}
	params, err := parseParams(cmd.StringSlice("param"))
	if err != nil {
		return err
	}
	capital := cmd.Float("capital")
	if capital == 0 {
		capital = a.cfg.Backtest.InitialCapital
	}
	format := cmd.String("output")
	switch format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if server := cmd.String("server"); server != "" {
		res, err := quantdesk.NewClient(server).Backtest(ctx, name, api.BacktestRequest{
			StartDate:      cmd.Timestamp("start").Format("2006-01-02"),
			EndDate:        cmd.Timestamp("end").Format("2006-01-02"),
			InitialCapital: capital,
			Params:         params,
		})
		if err != nil {
			return err
		}
		return writeResult(os.Stdout, format, res)
	}

	req := strategy.Request{
		Strategy:       name,
		Params:         params,
		Start:          dayOf(cmd.Timestamp("start")),
		End:            dayOf(cmd.Timestamp("end")),
		InitialCapital: capital,
	}

	var bar *progressbar.ProgressBar
	if !cmd.Bool("quiet") {
		req.Progress = func(done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("backtest "+name),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(done)
		}
	}

	res, err := a.backtester(!cmd.Bool("no-save")).Run(ctx, req)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}
	return writeResult(os.Stdout, format, res)
}

// parseParams turns key=value pairs into an override map. Values are
// decoded as YAML scalars so numbers and booleans keep their type.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		var val any
		if err := yaml.Unmarshal([]byte(v), &val); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", k, err)
		}
		out[strings.TrimSpace(k)] = val
	}
	return out, nil
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// resultSummary is the YAML view of a run.
type resultSummary struct {
	RunID    string               `yaml:"run_id"`
	Strategy string               `yaml:"strategy"`
	Params   map[string]any       `yaml:"params,omitempty"`
	Start    string               `yaml:"start_date"`
	End      string               `yaml:"end_date"`
	Report   performance.Report   `yaml:"report"`
	Trades   []domain.TradeRecord `yaml:"trades"`
	Skipped  []string             `yaml:"skipped,omitempty"`
}

func writeResult(w io.Writer, format string, res *strategy.BacktestResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(resultSummary{
			RunID:    res.RunID,
			Strategy: res.Strategy,
			Params:   res.Params,
			Start:    res.Start.Format("2006-01-02"),
			End:      res.End.Format("2006-01-02"),
			Report:   res.Report,
			Trades:   res.Trades,
			Skipped:  res.Skipped,
		})
	}
	return writeReport(w, res)
}

func writeReport(w io.Writer, res *strategy.BacktestResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	r := res.Report
	fmt.Fprintf(tw, "run\t%s\n", res.RunID)
	fmt.Fprintf(tw, "strategy\t%s\n", res.Strategy)
	fmt.Fprintf(tw, "period\t%s .. %s\n", res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))
	fmt.Fprintf(tw, "initial capital\t%s\n", dashboard.FormatAmount(res.InitialCapital))
	if n := len(res.DailyValues); n > 0 {
		fmt.Fprintf(tw, "final value\t%s\n", dashboard.FormatAmount(res.DailyValues[n-1].TotalValue))
	}
	fmt.Fprintf(tw, "total return\t%s\n", dashboard.FormatPct(r.TotalReturn))
	fmt.Fprintf(tw, "annual return\t%s\n", dashboard.FormatPct(r.AnnualReturn))
	fmt.Fprintf(tw, "max drawdown\t%s\n", dashboard.FormatPct(r.MaxDrawdown))
	fmt.Fprintf(tw, "sharpe\t%s\n", dashboard.FormatRatio(r.SharpeRatio))
	fmt.Fprintf(tw, "transactions\t%s\n", dashboard.FormatInt(int64(r.TotalTrades)))
	fmt.Fprintf(tw, "win rate\t%s\n", dashboard.FormatPct(r.WinRate))
	fmt.Fprintf(tw, "avg profit\t%s\n", dashboard.FormatPct(r.AvgProfit))
	fmt.Fprintf(tw, "open positions\t%d\n", len(res.Positions))
	if len(res.Skipped) > 0 {
		fmt.Fprintf(tw, "skipped symbols\t%s\n", strings.Join(res.Skipped, ","))
	}
	if len(res.Trades) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "SYMBOL\tBUY DATE\tBUY\tSELL DATE\tSELL\tSHARES\tPROFIT\tDAYS\tSTATUS")
		for _, t := range res.Trades {
			sellDate := "-"
			if t.SellDate != nil {
				sellDate = t.SellDate.Format("2006-01-02")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				t.Symbol, t.BuyDate.Format("2006-01-02"), dashboard.FormatPrice(t.BuyPrice),
				sellDate, dashboard.FormatPrice(t.SellPrice), dashboard.FormatInt(t.Shares),
				dashboard.FormatPct(t.ProfitRate), t.HoldingDays, t.Status)
		}
	}
	return tw.Flush()
}
