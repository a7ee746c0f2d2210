package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"quantdesk/internal/gather"
	"quantdesk/internal/gather/cn"
)

func gatherCommand() *cli.Command {
	return &cli.Command{
		Name:  "gather",
		Usage: "fetch daily bars for the universe into the local Parquet store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "start",
				Usage: "first date for symbols without local data (default from config)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "parallel fetches (default from config)",
			},
			&cli.IntFlag{
				Name:  "refresh-days",
				Usage: "days re-fetched before the last completed pass",
				Value: 7,
			},
		},
		Action: withApp(runGather),
	}
}

func runGather(ctx context.Context, cmd *cli.Command, a *app) error {
	startStr := cmd.String("start")
	if startStr == "" {
		startStr = a.cfg.Gather.StartDate
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return fmt.Errorf("parsing start date %q: %w", startStr, err)
	}
	workers := int(cmd.Int("workers"))
	if workers <= 0 {
		workers = a.cfg.Gather.MaxWorkers
	}

	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)
	g := cn.NewDailyBarGatherer(a.provider, a.bars, a.calendar, cn.DailyOptions{
		Start:       start,
		RefreshDays: int(cmd.Int("refresh-days")),
		MaxWorkers:  workers,
		Filter:      a.universeFilter(),
		Progress: func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("gather"),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
				)
			}
			_ = bar.Set(done)
		},
	})
	return runGatherer(ctx, a, g, func() {
		if bar != nil {
			_ = bar.Finish()
		}
	})
}

func calendarCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendar",
		Usage: "manage the exchange holiday calendar",
		Commands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "derive holidays from the trading dates of reference stocks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "start", Value: "2015-01-01", Usage: "first date (YYYY-MM-DD)"},
					&cli.StringFlag{Name: "end", Usage: "last date (YYYY-MM-DD), default today"},
					&cli.StringSliceFlag{Name: "ref", Usage: "reference symbol, repeatable"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					rng, err := gather.ParseDateRange(cmd.String("start"), cmd.String("end"))
					if err != nil {
						return err
					}
					return runGatherer(ctx, a, cn.NewCalendarSync(a.provider, a.db, cmd.StringSlice("ref"), rng), nil)
				}),
			},
			{
				Name:  "list",
				Usage: "print stored holidays",
				Action: withApp(func(ctx context.Context, _ *cli.Command, a *app) error {
					holidays, err := a.db.Holidays(ctx)
					if err != nil {
						return err
					}
					for _, d := range sortedKeys(holidays) {
						fmt.Printf("%s\t%s\n", d, holidays[d])
					}
					return nil
				}),
			},
		},
	}
}

// runGatherer runs g once and logs its outcome. done, when set, runs before
// the outcome is logged.
func runGatherer(ctx context.Context, a *app, g gather.Gatherer, done func()) error {
	log := a.log.With("gatherer", g.Name())
	log.Info("starting")
	begin := time.Now()

	err := g.Run(ctx)
	if done != nil {
		done()
	}
	if err != nil {
		log.Error("gather failed", "error", err, "elapsed", time.Since(begin))
		return err
	}
	log.Info("gather complete", "elapsed", time.Since(begin).Round(time.Millisecond))
	return nil
}
