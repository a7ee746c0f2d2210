package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/performance"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	ts := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	bp := ps.barPath("600000", "cn", ts)

	wantBarPath := filepath.Join("/data", "cn", "daily", "600000", "2024.parquet")
	if bp != wantBarPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, wantBarPath)
	}
	if !strings.Contains(bp, "2024.parquet") {
		t.Errorf("barPath should contain year file '2024.parquet': %s", bp)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol:    "600000",
			Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open:      7.10, High: 7.25, Low: 7.05, Close: 7.20,
			Volume: 35000000, Amount: 2.5e8,
		},
		{
			Symbol:    "600000",
			Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Open:      7.20, High: 7.30, Low: 7.15, Close: 7.28,
			Volume: 31000000, Amount: 2.2e8,
		},
	}

	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "600000", "cn", start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if got[0].Close != 7.20 {
		t.Errorf("first bar Close = %v, want 7.20", got[0].Close)
	}
	if got[1].Amount != 2.2e8 {
		t.Errorf("second bar Amount = %v, want 2.2e8", got[1].Amount)
	}

	// Range filtering.
	got, err = ps.ReadBars(ctx, "600000", "cn", bars[1].Timestamp, end)
	if err != nil {
		t.Fatalf("ReadBars (range): %v", err)
	}
	if len(got) != 1 {
		t.Errorf("ReadBars (range) returned %d bars, want 1", len(got))
	}
}

func TestParquetStoreReadMissingSymbol(t *testing.T) {
	ps := NewParquetStore(t.TempDir())

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(context.Background(), "000001", "cn", start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadBars returned %d bars for unknown symbol, want 0", len(got))
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars1 := []domain.Bar{
		{Symbol: "000001", Timestamp: day, Open: 10.0, High: 10.5, Low: 9.9, Close: 10.3, Volume: 1000000},
	}
	if err := ps.WriteBars(ctx, bars1); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}

	// A second write adds a new day and corrects the first one.
	bars2 := []domain.Bar{
		{Symbol: "000001", Timestamp: day, Open: 10.0, High: 10.5, Low: 9.9, Close: 10.4, Volume: 1000000},
		{Symbol: "000001", Timestamp: day.AddDate(0, 0, 3), Open: 10.4, High: 10.9, Low: 10.2, Close: 10.8, Volume: 1200000},
	}
	if err := ps.WriteBars(ctx, bars2); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "000001", "cn", start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars after merge, want 2", len(got))
	}
	if got[0].Close != 10.4 {
		t.Errorf("merged bar Close = %v, want 10.4 (newer write wins)", got[0].Close)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Symbol: "600519", Timestamp: ts, Open: 1700, High: 1710, Low: 1690, Close: 1705, Volume: 30000},
		{Symbol: "000858", Timestamp: ts, Open: 140, High: 141, Low: 139, Close: 140.5, Volume: 200000},
	}
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	symbols, err := ps.ListSymbols(ctx, "cn")
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 {
		t.Fatalf("ListSymbols returned %d symbols, want 2", len(symbols))
	}
	if symbols[0] != "000858" || symbols[1] != "600519" {
		t.Errorf("ListSymbols = %v, want [000858 600519]", symbols)
	}
}

// ---------------------------------------------------------------------------
// SQLite
// ---------------------------------------------------------------------------

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	})
	return s
}

func TestSQLiteStoreOpen(t *testing.T) {
	s := openTestDB(t)
	if err := s.db.Ping(); err != nil {
		t.Fatalf("db.Ping() returned error: %v", err)
	}
}

func TestSQLiteStoreSaveAndGetRun(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	d := func(day int) time.Time { return time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC) }
	run := &Run{
		ID:             "run-1",
		Strategy:       "bollinger",
		Params:         map[string]any{"window": 20.0, "band_width": 2.0},
		Start:          d(1),
		End:            d(5),
		InitialCapital: 1000000,
		Report: performance.Report{
			TotalReturn: 0.02, AnnualReturn: 0.5, MaxDrawdown: -0.01,
			SharpeRatio: 1.5, TotalTrades: 1, WinRate: 1, AvgProfit: 200,
		},
		CreatedAt: time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC),
	}
	txs := []domain.Transaction{
		{Date: d(1), Symbol: "600000", Type: domain.TradeBuy, Price: 10, Shares: 100, Amount: 1000},
		{Date: d(4), Symbol: "600000", Type: domain.TradeSell, Price: 12, Shares: 100, Amount: 1200},
	}
	values := []domain.DailyValue{
		{Date: d(1), Cash: 999000, PositionsValue: 1000, TotalValue: 1000000, PositionCount: 1},
		{Date: d(4), Cash: 1000200, PositionsValue: 0, TotalValue: 1000200, PositionCount: 0},
	}

	if err := s.SaveRun(ctx, run, txs, values); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Strategy != "bollinger" {
		t.Errorf("Strategy = %q, want %q", got.Strategy, "bollinger")
	}
	if !got.Start.Equal(d(1)) || !got.End.Equal(d(5)) {
		t.Errorf("Start/End = %v/%v, want %v/%v", got.Start, got.End, d(1), d(5))
	}
	if got.Report != run.Report {
		t.Errorf("Report = %+v, want %+v", got.Report, run.Report)
	}
	if got.Params["window"] != 20.0 {
		t.Errorf("Params[window] = %v, want 20", got.Params["window"])
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, run.CreatedAt)
	}

	gotTxs, err := s.ListTransactions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(gotTxs) != 2 {
		t.Fatalf("ListTransactions returned %d, want 2", len(gotTxs))
	}
	if gotTxs[0] != txs[0] || gotTxs[1] != txs[1] {
		t.Errorf("ListTransactions = %+v, want %+v", gotTxs, txs)
	}

	gotValues, err := s.ListDailyValues(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListDailyValues: %v", err)
	}
	if len(gotValues) != 2 || gotValues[1].TotalValue != 1000200 {
		t.Errorf("ListDailyValues = %+v, want 2 rows ending at 1000200", gotValues)
	}
}

func TestSQLiteStoreGetRunNotFound(t *testing.T) {
	s := openTestDB(t)

	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreListRunsNewestFirst(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		run := &Run{
			ID: id, Strategy: "fundamental", Start: base, End: base,
			InitialCapital: 1000, CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.SaveRun(ctx, run, nil, nil); err != nil {
			t.Fatalf("SaveRun(%s): %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("ListRuns returned %d, want 2", len(runs))
	}
	if runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("ListRuns order = [%s %s], want [c b]", runs[0].ID, runs[1].ID)
	}
}

func TestSQLiteStoreDuplicateRunRollsBack(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	run := &Run{ID: "dup", Strategy: "bollinger", Start: day, End: day, InitialCapital: 1}
	if err := s.SaveRun(ctx, run, nil, nil); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	txs := []domain.Transaction{{Date: day, Symbol: "600000", Type: domain.TradeBuy, Price: 1, Shares: 100, Amount: 100}}
	if err := s.SaveRun(ctx, run, txs, nil); err == nil {
		t.Fatal("SaveRun with duplicate ID succeeded, want error")
	}

	got, err := s.ListTransactions(ctx, "dup")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListTransactions returned %d after failed save, want 0", len(got))
	}
}

func TestSQLiteStoreSaveRunManyTransactions(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	const nTxs, nDays = 5000, 4200
	start := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := make([]domain.Transaction, nTxs)
	for i := range txs {
		typ := domain.TradeBuy
		if i%2 == 1 {
			typ = domain.TradeSell
		}
		txs[i] = domain.Transaction{
			Date:   start.AddDate(0, 0, i/2),
			Symbol: "600000",
			Type:   typ,
			Price:  10 + float64(i%7),
			Shares: 100,
			Amount: 100 * (10 + float64(i%7)),
		}
	}
	values := make([]domain.DailyValue, nDays)
	for i := range values {
		values[i] = domain.DailyValue{
			Date:       start.AddDate(0, 0, i),
			Cash:       1000000,
			TotalValue: 1000000 + float64(i),
		}
	}
	run := &Run{ID: "long", Strategy: "bollinger", Start: start, End: values[nDays-1].Date, InitialCapital: 1000000}

	if err := s.SaveRun(ctx, run, txs, values); err != nil {
		t.Fatalf("SaveRun with %d transactions: %v", nTxs, err)
	}

	gotTxs, err := s.ListTransactions(ctx, "long")
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(gotTxs) != nTxs {
		t.Fatalf("ListTransactions returned %d, want %d", len(gotTxs), nTxs)
	}
	for _, i := range []int{0, 499, 500, 501, nTxs - 1} {
		if gotTxs[i] != txs[i] {
			t.Errorf("transaction %d = %+v, want %+v", i, gotTxs[i], txs[i])
		}
	}

	gotValues, err := s.ListDailyValues(ctx, "long")
	if err != nil {
		t.Fatalf("ListDailyValues: %v", err)
	}
	if len(gotValues) != nDays {
		t.Fatalf("ListDailyValues returned %d, want %d", len(gotValues), nDays)
	}
	if last := gotValues[nDays-1]; !last.Date.Equal(values[nDays-1].Date) || last.TotalValue != values[nDays-1].TotalValue {
		t.Errorf("last daily value = %+v, want %+v", last, values[nDays-1])
	}
}

func TestSQLiteStoreManyHolidays(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	from := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	holidays := make(map[string]string)
	for i := 0; i < 20000; i++ {
		holidays[from.AddDate(0, 0, i).Format("2006-01-02")] = "休市"
	}
	if err := s.ReplaceHolidays(ctx, from, holidays); err != nil {
		t.Fatalf("ReplaceHolidays with %d rows: %v", len(holidays), err)
	}
	got, err := s.Holidays(ctx)
	if err != nil {
		t.Fatalf("Holidays: %v", err)
	}
	if len(got) != len(holidays) {
		t.Errorf("Holidays returned %d, want %d", len(got), len(holidays))
	}
}

func TestSQLiteStoreHolidays(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	initial := map[string]string{
		"2023-10-02": "国庆节",
		"2024-01-01": "元旦",
		"2024-02-12": "春节",
	}
	if err := s.ReplaceHolidays(ctx, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), initial); err != nil {
		t.Fatalf("ReplaceHolidays (initial): %v", err)
	}

	// Replacing from 2024 keeps earlier rows and drops the rest.
	update := map[string]string{"2024-04-04": "清明节"}
	if err := s.ReplaceHolidays(ctx, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), update); err != nil {
		t.Fatalf("ReplaceHolidays (update): %v", err)
	}

	got, err := s.Holidays(ctx)
	if err != nil {
		t.Fatalf("Holidays: %v", err)
	}
	want := map[string]string{"2023-10-02": "国庆节", "2024-04-04": "清明节"}
	if len(got) != len(want) {
		t.Fatalf("Holidays = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Holidays[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestSQLiteStoreSignalLifecycle(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	d := func(day int) time.Time { return time.Date(2024, 4, day, 0, 0, 0, 0, time.UTC) }

	opened, closed, err := s.RecordSignals(ctx, "bollinger", d(1), []domain.SignalHit{
		{Symbol: "600000", Name: "浦发银行", Signal: domain.SignalBuy, Close: 10},
		{Symbol: "000001", Name: "平安银行", Signal: domain.SignalBuy, Close: 8},
		{Symbol: "600519", Signal: domain.SignalHold, Close: 1500},
	})
	if err != nil {
		t.Fatalf("RecordSignals day 1: %v", err)
	}
	if opened != 2 || closed != 0 {
		t.Errorf("day 1 opened/closed = %d/%d, want 2/0", opened, closed)
	}

	// A repeated buy for an open row and a sell with nothing open are no-ops.
	opened, closed, err = s.RecordSignals(ctx, "bollinger", d(2), []domain.SignalHit{
		{Symbol: "600000", Signal: domain.SignalBuy, Close: 10.5},
		{Symbol: "600036", Signal: domain.SignalSell, Close: 30},
	})
	if err != nil {
		t.Fatalf("RecordSignals day 2: %v", err)
	}
	if opened != 0 || closed != 0 {
		t.Errorf("day 2 opened/closed = %d/%d, want 0/0", opened, closed)
	}

	opened, closed, err = s.RecordSignals(ctx, "bollinger", d(5), []domain.SignalHit{
		{Symbol: "600000", Signal: domain.SignalSell, Close: 11},
		{Symbol: "600036", Name: "招商银行", Signal: domain.SignalBuy, Close: 30},
	})
	if err != nil {
		t.Fatalf("RecordSignals day 5: %v", err)
	}
	if opened != 1 || closed != 1 {
		t.Errorf("day 5 opened/closed = %d/%d, want 1/1", opened, closed)
	}

	// Other strategies keep their own positions.
	if _, _, err := s.RecordSignals(ctx, "fundamental", d(6), []domain.SignalHit{
		{Symbol: "600000", Signal: domain.SignalBuy, Close: 11.2},
	}); err != nil {
		t.Fatalf("RecordSignals fundamental: %v", err)
	}

	latest, err := s.LatestSignals(ctx, "bollinger")
	if err != nil {
		t.Fatalf("LatestSignals: %v", err)
	}
	if len(latest) != 2 || latest[0].Symbol != "600000" || latest[1].Symbol != "600036" {
		t.Fatalf("LatestSignals = %+v, want 600000 (closed) and 600036 (opened) on day 5", latest)
	}
	sold := latest[0]
	if sold.Status != domain.TradeStatusSold || sold.SellDate == nil || !sold.SellDate.Equal(d(5)) {
		t.Errorf("closed row = %+v, want sold on %v", sold, d(5))
	}
	if sold.SellPrice != 11 || sold.HoldingDays != 4 {
		t.Errorf("closed row sell price/days = %v/%d, want 11/4", sold.SellPrice, sold.HoldingDays)
	}
	if diff := sold.ProfitRate - 0.1; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("ProfitRate = %v, want 0.1", sold.ProfitRate)
	}
	if sold.Name != "浦发银行" {
		t.Errorf("Name = %q, want 浦发银行", sold.Name)
	}
	if latest[1].Status != domain.TradeStatusHolding || latest[1].SellDate != nil {
		t.Errorf("opened row = %+v, want holding", latest[1])
	}

	holding, err := s.ListSignals(ctx, "bollinger", domain.TradeStatusHolding, 0)
	if err != nil {
		t.Fatalf("ListSignals holding: %v", err)
	}
	if len(holding) != 2 || holding[0].Symbol != "600036" || holding[1].Symbol != "000001" {
		t.Errorf("holding rows = %+v, want [600036 000001]", holding)
	}

	all, err := s.ListSignals(ctx, "bollinger", "", 2)
	if err != nil {
		t.Fatalf("ListSignals: %v", err)
	}
	if len(all) != 2 || all[0].Symbol != "600036" {
		t.Errorf("ListSignals limit 2 = %+v, want newest first", all)
	}

	none, err := s.LatestSignals(ctx, "unknown")
	if err != nil || len(none) != 0 {
		t.Errorf("LatestSignals(unknown) = %v, %v; want empty", none, err)
	}
}
