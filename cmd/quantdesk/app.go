package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"quantdesk/internal/config"
	"quantdesk/internal/provider"
	"quantdesk/internal/provider/eastmoney"
	"quantdesk/internal/provider/local"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/builtins"
	"quantdesk/internal/util"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *store.SQLiteStore
	bars     *store.ParquetStore
	provider provider.Provider
	calendar *util.TradingCalendar
	registry *strategy.Registry
}

// newApp loads the configuration and wires storage, the market-data
// provider, the holiday calendar and the strategy registry.
func newApp(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr so command output on stdout stays machine readable.
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	holidays, err := db.Holidays(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading holidays: %w", err)
	}
	if len(holidays) == 0 {
		logger.Warn("no holidays stored, using weekday calendar; run `quantdesk calendar sync`")
	}

	a := &app{
		cfg:      cfg,
		log:      logger,
		db:       db,
		bars:     store.NewParquetStore(cfg.Storage.DataDir),
		calendar: util.NewTradingCalendar(holidays),
		registry: strategy.NewRegistry(),
	}
	a.provider = a.newProvider()
	builtins.Register(a.registry, cfg.Strategies, a.provider, cfg.Provider.MaxConcurrent, logger)
	return a, nil
}

func (a *app) newProvider() provider.Provider {
	pc := a.cfg.Provider
	var p provider.Provider
	switch pc.Source {
	case "local":
		snapshot := pc.SnapshotFile
		if !filepath.IsAbs(snapshot) {
			snapshot = filepath.Join(a.cfg.Storage.DataDir, snapshot)
		}
		p = local.New(a.bars, snapshot, pc.SnapshotGBK)
	default:
		p = eastmoney.NewClient(eastmoney.Options{
			BaseURL:         pc.BaseURL,
			HistoryURL:      pc.HistoryURL,
			FinanceURL:      pc.FinanceURL,
			Timeout:         pc.Timeout,
			RateLimitPerMin: pc.RateLimitPerMin,
			Retries:         pc.Retries,
		})
	}
	if pc.CacheSize > 0 && pc.CacheTTL > 0 {
		cached := provider.NewCached(p, pc.CacheTTL, pc.CacheSize)
		if pc.Timeout > 0 {
			// One shared load covers every retry of the upstream request.
			cached.WithLoadTimeout(pc.Timeout * time.Duration(pc.Retries+1))
		}
		p = cached
	}
	a.log.Debug("market data provider ready", "source", pc.Source, "cache_size", pc.CacheSize)
	return p
}

// backtester builds a Backtester. Runs are stored only when persist is set.
func (a *app) backtester(persist bool) *strategy.Backtester {
	var runs store.RunStore
	if persist {
		runs = a.db
	}
	return strategy.NewBacktester(a.provider, a.registry, a.calendar, runs,
		strategy.OptionsFromConfig(a.cfg), a.log)
}

// scanner builds a Scanner that records into the application database.
func (a *app) scanner() *strategy.Scanner {
	return strategy.NewScanner(a.provider, a.registry, a.calendar, a.db,
		strategy.OptionsFromConfig(a.cfg), a.log)
}

func (a *app) universeFilter() provider.UniverseFilter {
	return strategy.OptionsFromConfig(a.cfg).Filter
}

func (a *app) Close() error {
	return a.db.Close()
}

// withApp adapts an action needing the wired application.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a)
	}
}
