package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/squirrel"

	"quantdesk/internal/domain"
	"quantdesk/internal/performance"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ RunStore = (*SQLiteStore)(nil)
var _ HolidayStore = (*SQLiteStore)(nil)
var _ SignalStore = (*SQLiteStore)(nil)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = time.RFC3339Nano

	// insertRowsPerStatement keeps multi-row inserts well below SQLite's
	// 32766 bound-variable limit for every table in the schema.
	insertRowsPerStatement = 500
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		strategy        TEXT NOT NULL,
		params          TEXT NOT NULL DEFAULT '{}',
		start_date      TEXT NOT NULL,
		end_date        TEXT NOT NULL,
		initial_capital REAL NOT NULL,
		total_return    REAL NOT NULL,
		annual_return   REAL NOT NULL,
		max_drawdown    REAL NOT NULL,
		sharpe_ratio    REAL NOT NULL,
		total_trades    INTEGER NOT NULL,
		win_rate        REAL NOT NULL,
		avg_profit      REAL NOT NULL,
		created_at      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		run_id     TEXT NOT NULL REFERENCES runs(id),
		seq        INTEGER NOT NULL,
		trade_date TEXT NOT NULL,
		stock_code TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		price      REAL NOT NULL,
		shares     INTEGER NOT NULL,
		amount     REAL NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS performances (
		run_id            TEXT NOT NULL REFERENCES runs(id),
		date              TEXT NOT NULL,
		total_value       REAL NOT NULL,
		cash_balance      REAL NOT NULL,
		positions_value   REAL NOT NULL,
		daily_return      REAL NOT NULL,
		cumulative_return REAL NOT NULL,
		drawdown          REAL NOT NULL,
		position_count    INTEGER NOT NULL,
		PRIMARY KEY (run_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy     TEXT NOT NULL,
		stock_code   TEXT NOT NULL,
		stock_name   TEXT NOT NULL DEFAULT '',
		buy_date     TEXT NOT NULL,
		buy_price    REAL NOT NULL,
		sell_date    TEXT,
		sell_price   REAL,
		profit_rate  REAL,
		holding_days INTEGER,
		trade_status TEXT NOT NULL,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_open ON signals (strategy, stock_code, trade_status)`,
	`CREATE TABLE IF NOT EXISTS trading_holidays (
		date TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
}

// SQLiteStore implements RunStore, SignalStore and HolidayStore backed by a
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
	sq squirrel.StatementBuilderType
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &SQLiteStore{
		db: db,
		sq: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts the run row, its transactions and its daily performance
// rows in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run, txs []domain.Transaction, values []domain.DailyValue) (err error) {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	r := run.Report
	_, err = s.sq.Insert("runs").
		Columns("id", "strategy", "params", "start_date", "end_date", "initial_capital",
			"total_return", "annual_return", "max_drawdown", "sharpe_ratio",
			"total_trades", "win_rate", "avg_profit", "created_at").
		Values(run.ID, run.Strategy, string(params), run.Start.Format(dateLayout), run.End.Format(dateLayout),
			run.InitialCapital, r.TotalReturn, r.AnnualReturn, r.MaxDrawdown, r.SharpeRatio,
			r.TotalTrades, r.WinRate, r.AvgProfit, createdAt.Format(timestampLayout)).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	err = execChunked(ctx, tx, len(txs), func(lo, hi int) squirrel.InsertBuilder {
		ins := s.sq.Insert("transactions").
			Columns("run_id", "seq", "trade_date", "stock_code", "trade_type", "price", "shares", "amount")
		for i, t := range txs[lo:hi] {
			ins = ins.Values(run.ID, lo+i, t.Date.Format(dateLayout), t.Symbol, string(t.Type), t.Price, t.Shares, t.Amount)
		}
		return ins
	})
	if err != nil {
		return fmt.Errorf("inserting transactions for run %s: %w", run.ID, err)
	}

	if len(values) > 0 {
		series := make([]float64, len(values))
		for i, v := range values {
			series[i] = v.TotalValue
		}
		returns := performance.Returns(series)
		drawdowns := performance.Drawdowns(series)

		err = execChunked(ctx, tx, len(values), func(lo, hi int) squirrel.InsertBuilder {
			ins := s.sq.Insert("performances").
				Columns("run_id", "date", "total_value", "cash_balance", "positions_value",
					"daily_return", "cumulative_return", "drawdown", "position_count")
			for i := lo; i < hi; i++ {
				v := values[i]
				cumulative := 0.0
				if series[0] != 0 {
					cumulative = v.TotalValue/series[0] - 1
				}
				ins = ins.Values(run.ID, v.Date.Format(dateLayout), v.TotalValue, v.Cash, v.PositionsValue,
					returns[i], cumulative, drawdowns[i], v.PositionCount)
			}
			return ins
		})
		if err != nil {
			return fmt.Errorf("inserting performances for run %s: %w", run.ID, err)
		}
	}

	return tx.Commit()
}

// execChunked runs the inserts produced by build over [0, n) in slices of at
// most insertRowsPerStatement rows.
func execChunked(ctx context.Context, tx *sql.Tx, n int, build func(lo, hi int) squirrel.InsertBuilder) error {
	for lo := 0; lo < n; lo += insertRowsPerStatement {
		hi := min(lo+insertRowsPerStatement, n)
		if _, err := build(lo, hi).RunWith(tx).ExecContext(ctx); err != nil {
			return err
		}
	}
	return nil
}

var runColumns = []string{"id", "strategy", "params", "start_date", "end_date", "initial_capital",
	"total_return", "annual_return", "max_drawdown", "sharpe_ratio",
	"total_trades", "win_rate", "avg_profit", "created_at"}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var params, start, end, created string
	err := row.Scan(&run.ID, &run.Strategy, &params, &start, &end, &run.InitialCapital,
		&run.Report.TotalReturn, &run.Report.AnnualReturn, &run.Report.MaxDrawdown, &run.Report.SharpeRatio,
		&run.Report.TotalTrades, &run.Report.WinRate, &run.Report.AvgProfit, &created)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return nil, fmt.Errorf("decoding params of run %s: %w", run.ID, err)
	}
	run.Start, _ = time.Parse(dateLayout, start)
	run.End, _ = time.Parse(dateLayout, end)
	run.CreatedAt, _ = time.Parse(timestampLayout, created)
	return &run, nil
}

// GetRun retrieves a single run by its ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.sq.Select(runColumns...).
		From("runs").
		Where(squirrel.Eq{"id": id}).
		RunWith(s.db).
		QueryRowContext(ctx)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := s.sq.Select(runColumns...).From("runs").OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListTransactions returns the transaction log of a run in fill order.
func (s *SQLiteStore) ListTransactions(ctx context.Context, runID string) ([]domain.Transaction, error) {
	rows, err := s.sq.Select("trade_date", "stock_code", "trade_type", "price", "shares", "amount").
		From("transactions").
		Where(squirrel.Eq{"run_id": runID}).
		OrderBy("seq ASC").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var (
			t         domain.Transaction
			date, typ string
		)
		if err := rows.Scan(&date, &t.Symbol, &typ, &t.Price, &t.Shares, &t.Amount); err != nil {
			return nil, err
		}
		t.Date, _ = time.Parse(dateLayout, date)
		t.Type = domain.TradeType(typ)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ListDailyValues returns the daily valuation series of a run.
func (s *SQLiteStore) ListDailyValues(ctx context.Context, runID string) ([]domain.DailyValue, error) {
	rows, err := s.sq.Select("date", "total_value", "cash_balance", "positions_value", "position_count").
		From("performances").
		Where(squirrel.Eq{"run_id": runID}).
		OrderBy("date ASC").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying performances: %w", err)
	}
	defer rows.Close()

	var values []domain.DailyValue
	for rows.Next() {
		var (
			v    domain.DailyValue
			date string
		)
		if err := rows.Scan(&date, &v.TotalValue, &v.Cash, &v.PositionsValue, &v.PositionCount); err != nil {
			return nil, err
		}
		v.Date, _ = time.Parse(dateLayout, date)
		values = append(values, v)
	}
	return values, rows.Err()
}

// ---------------------------------------------------------------------------
// SignalStore implementation
// ---------------------------------------------------------------------------

var signalColumns = []string{"id", "strategy", "stock_code", "stock_name", "buy_date", "buy_price",
	"sell_date", "sell_price", "profit_rate", "holding_days", "trade_status", "created_at"}

// RecordSignals closes holding rows for sell hits and opens rows for buy hits.
func (s *SQLiteStore) RecordSignals(ctx context.Context, strategy string, date time.Time, hits []domain.SignalHit) (opened, closed int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	day := date.Format(dateLayout)
	createdAt := time.Now().UTC().Format(timestampLayout)
	holding := string(domain.TradeStatusHolding)

	for _, h := range hits {
		switch h.Signal {
		case domain.SignalSell:
			n, err := closeHoldings(ctx, s.sq, tx, strategy, h, date)
			if err != nil {
				return 0, 0, fmt.Errorf("closing %s holdings of %s: %w", strategy, h.Symbol, err)
			}
			closed += n

		case domain.SignalBuy:
			var open int
			err := s.sq.Select("COUNT(*)").
				From("signals").
				Where(squirrel.Eq{"strategy": strategy, "stock_code": h.Symbol, "trade_status": holding}).
				RunWith(tx).
				QueryRowContext(ctx).
				Scan(&open)
			if err != nil {
				return 0, 0, fmt.Errorf("checking %s holdings of %s: %w", strategy, h.Symbol, err)
			}
			if open > 0 {
				continue
			}
			_, err = s.sq.Insert("signals").
				Columns("strategy", "stock_code", "stock_name", "buy_date", "buy_price", "trade_status", "created_at").
				Values(strategy, h.Symbol, h.Name, day, h.Close, holding, createdAt).
				RunWith(tx).
				ExecContext(ctx)
			if err != nil {
				return 0, 0, fmt.Errorf("opening %s signal for %s: %w", strategy, h.Symbol, err)
			}
			opened++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return opened, closed, nil
}

// closeHoldings marks every open row of h.Symbol sold at h.Close on date.
func closeHoldings(ctx context.Context, sq squirrel.StatementBuilderType, tx *sql.Tx, strategy string, h domain.SignalHit, date time.Time) (int, error) {
	rows, err := sq.Select("id", "buy_date", "buy_price").
		From("signals").
		Where(squirrel.Eq{"strategy": strategy, "stock_code": h.Symbol, "trade_status": string(domain.TradeStatusHolding)}).
		RunWith(tx).
		QueryContext(ctx)
	if err != nil {
		return 0, err
	}
	type openRow struct {
		id       int64
		buyDate  time.Time
		buyPrice float64
	}
	var open []openRow
	for rows.Next() {
		var (
			r   openRow
			buy string
		)
		if err := rows.Scan(&r.id, &buy, &r.buyPrice); err != nil {
			rows.Close()
			return 0, err
		}
		r.buyDate, _ = time.Parse(dateLayout, buy)
		open = append(open, r)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range open {
		profit := 0.0
		if r.buyPrice != 0 {
			profit = h.Close/r.buyPrice - 1
		}
		_, err := sq.Update("signals").
			Set("sell_date", date.Format(dateLayout)).
			Set("sell_price", h.Close).
			Set("profit_rate", profit).
			Set("holding_days", int(date.Sub(r.buyDate).Hours()/24)).
			Set("trade_status", string(domain.TradeStatusSold)).
			Where(squirrel.Eq{"id": r.id}).
			RunWith(tx).
			ExecContext(ctx)
		if err != nil {
			return 0, err
		}
	}
	return len(open), nil
}

func scanSignal(row rowScanner) (domain.SignalRecord, error) {
	var (
		r                     domain.SignalRecord
		buy, status, created  string
		sellDate              sql.NullString
		sellPrice, profitRate sql.NullFloat64
		holdingDays           sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Strategy, &r.Symbol, &r.Name, &buy, &r.BuyPrice,
		&sellDate, &sellPrice, &profitRate, &holdingDays, &status, &created)
	if err != nil {
		return r, err
	}
	r.BuyDate, _ = time.Parse(dateLayout, buy)
	if sellDate.Valid {
		d, _ := time.Parse(dateLayout, sellDate.String)
		r.SellDate = &d
	}
	r.SellPrice = sellPrice.Float64
	r.ProfitRate = profitRate.Float64
	r.HoldingDays = int(holdingDays.Int64)
	r.Status = domain.TradeStatus(status)
	r.CreatedAt, _ = time.Parse(timestampLayout, created)
	return r, nil
}

func (s *SQLiteStore) querySignals(ctx context.Context, q squirrel.SelectBuilder) ([]domain.SignalRecord, error) {
	rows, err := q.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying signals: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalRecord
	for rows.Next() {
		r, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSignals returns the rows touched on the strategy's last signal date.
func (s *SQLiteStore) LatestSignals(ctx context.Context, strategy string) ([]domain.SignalRecord, error) {
	var latest string
	for _, col := range []string{"buy_date", "sell_date"} {
		var d sql.NullString
		err := s.sq.Select("MAX("+col+")").
			From("signals").
			Where(squirrel.Eq{"strategy": strategy}).
			RunWith(s.db).
			QueryRowContext(ctx).
			Scan(&d)
		if err != nil {
			return nil, fmt.Errorf("finding latest %s signal date: %w", strategy, err)
		}
		if d.Valid && d.String > latest {
			latest = d.String
		}
	}
	if latest == "" {
		return nil, nil
	}

	return s.querySignals(ctx, s.sq.Select(signalColumns...).
		From("signals").
		Where(squirrel.Eq{"strategy": strategy}).
		Where(squirrel.Or{squirrel.Eq{"buy_date": latest}, squirrel.Eq{"sell_date": latest}}).
		OrderBy("stock_code ASC", "id ASC"))
}

// ListSignals returns the newest rows of a strategy.
func (s *SQLiteStore) ListSignals(ctx context.Context, strategy string, status domain.TradeStatus, limit int) ([]domain.SignalRecord, error) {
	q := s.sq.Select(signalColumns...).
		From("signals").
		Where(squirrel.Eq{"strategy": strategy}).
		OrderBy("buy_date DESC", "id DESC")
	if status != "" {
		q = q.Where(squirrel.Eq{"trade_status": string(status)})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.querySignals(ctx, q)
}

// ---------------------------------------------------------------------------
// HolidayStore implementation
// ---------------------------------------------------------------------------

// ReplaceHolidays deletes holidays on or after from and inserts the new set.
func (s *SQLiteStore) ReplaceHolidays(ctx context.Context, from time.Time, holidays map[string]string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = s.sq.Delete("trading_holidays").
		Where(squirrel.GtOrEq{"date": from.Format(dateLayout)}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("deleting holidays: %w", err)
	}

	dates := make([]string, 0, len(holidays))
	for date := range holidays {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	err = execChunked(ctx, tx, len(dates), func(lo, hi int) squirrel.InsertBuilder {
		ins := s.sq.Insert("trading_holidays").Columns("date", "name").Options("OR REPLACE")
		for _, date := range dates[lo:hi] {
			ins = ins.Values(date, holidays[date])
		}
		return ins
	})
	if err != nil {
		return fmt.Errorf("inserting holidays: %w", err)
	}

	return tx.Commit()
}

// Holidays returns every stored holiday.
func (s *SQLiteStore) Holidays(ctx context.Context) (map[string]string, error) {
	rows, err := s.sq.Select("date", "name").
		From("trading_holidays").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying holidays: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var date, name string
		if err := rows.Scan(&date, &name); err != nil {
			return nil, err
		}
		out[date] = name
	}
	return out, rows.Err()
}
