package cn

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/gather"
	"quantdesk/internal/provider"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// stubProvider serves generated bars and counts DailyBars calls.
type stubProvider struct {
	mu       sync.Mutex
	universe []domain.StockInfo
	empty    map[string]bool
	fail     map[string]bool
	calls    map[string]int
	starts   map[string]time.Time
}

func newStubProvider(symbols ...string) *stubProvider {
	p := &stubProvider{
		empty:  make(map[string]bool),
		fail:   make(map[string]bool),
		calls:  make(map[string]int),
		starts: make(map[string]time.Time),
	}
	for _, s := range symbols {
		p.universe = append(p.universe, domain.StockInfo{Symbol: s, Name: "stock " + s})
	}
	return p
}

func (p *stubProvider) Universe(context.Context, time.Time, provider.UniverseFilter) ([]domain.StockInfo, error) {
	return p.universe, nil
}

func (p *stubProvider) DailyBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	p.mu.Lock()
	p.calls[symbol]++
	p.starts[symbol] = start
	fail, empty := p.fail[symbol], p.empty[symbol]
	p.mu.Unlock()

	if fail {
		return nil, errors.New("HTTP 502")
	}
	if empty {
		return nil, nil
	}
	var bars []domain.Bar
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		bars = append(bars, domain.Bar{Timestamp: d, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1000})
	}
	return bars, nil
}

func (p *stubProvider) FundamentalFields(context.Context, string) (map[string]any, error) {
	return nil, nil
}

func (p *stubProvider) callCount(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[symbol]
}

// friday4pm is after the close on Friday 2024-01-05 in Shanghai.
var friday4pm = time.Date(2024, 1, 5, 16, 0, 0, 0, shanghai)

func TestLatestFinishedTradingDay(t *testing.T) {
	cal := util.NewTradingCalendar(map[string]string{"2024-01-01": "元旦"})

	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"after close", friday4pm, "2024-01-05"},
		{"before close", time.Date(2024, 1, 5, 10, 0, 0, 0, shanghai), "2024-01-04"},
		{"weekend", time.Date(2024, 1, 7, 12, 0, 0, 0, shanghai), "2024-01-05"},
		{"after holiday", time.Date(2024, 1, 2, 9, 0, 0, 0, shanghai), "2023-12-29"},
		{"utc evening is next day in shanghai", time.Date(2024, 1, 4, 20, 0, 0, 0, time.UTC), "2024-01-04"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LatestFinishedTradingDay(cal, tt.now).Format("2006-01-02")
			if got != tt.want {
				t.Errorf("LatestFinishedTradingDay(%v) = %s, want %s", tt.now, got, tt.want)
			}
		})
	}
}

func newTestGatherer(t *testing.T, p provider.Provider, dir string) *DailyBarGatherer {
	t.Helper()
	return NewDailyBarGatherer(p, store.NewParquetStore(dir), nil, DailyOptions{
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxWorkers: 2,
		Now:        func() time.Time { return friday4pm },
	})
}

func TestDailyBarGathererRun(t *testing.T) {
	dir := t.TempDir()
	p := newStubProvider("600000", "000001", "600001")
	p.empty["600001"] = true

	var (
		mu            sync.Mutex
		progressCalls int
	)
	g := newTestGatherer(t, p, dir)
	g.opts.Progress = func(done, total int) {
		mu.Lock()
		progressCalls++
		mu.Unlock()
		if total != 3 {
			t.Errorf("progress total = %d, want 3", total)
		}
	}

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if progressCalls != 3 {
		t.Errorf("progress called %d times, want 3", progressCalls)
	}

	s := store.NewParquetStore(dir)
	bars, err := s.ReadBars(context.Background(), "600000", "cn",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 5 {
		t.Errorf("stored %d bars for 600000, want 5", len(bars))
	}
	if len(bars) > 0 && bars[0].Symbol != "600000" {
		t.Errorf("bar symbol = %q, want 600000", bars[0].Symbol)
	}

	syms, _ := s.ListSymbols(context.Background(), "cn")
	if len(syms) != 2 {
		t.Errorf("ListSymbols = %v, want 2 symbols", syms)
	}

	// A second run on the same day does nothing.
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if n := p.callCount("600000"); n != 1 {
		t.Errorf("600000 fetched %d times, want 1", n)
	}
}

func TestDailyBarGathererResumesAfterFailure(t *testing.T) {
	dir := t.TempDir()
	p := newStubProvider("600000", "000001")
	p.fail["000001"] = true

	g := newTestGatherer(t, p, dir)
	if err := g.Run(context.Background()); err == nil {
		t.Fatal("Run should report failed symbols")
	}

	tracker, err := newProgressTracker(filepath.Join(dir, "cn", "daily"))
	if err != nil {
		t.Fatal(err)
	}
	if got := tracker.LastCompleted(); got != "" {
		t.Errorf("LastCompleted = %q after a failed pass, want empty", got)
	}
	tracker.Close()

	// The retry only fetches the failed symbol.
	p.mu.Lock()
	p.fail["000001"] = false
	p.mu.Unlock()
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if n := p.callCount("600000"); n != 1 {
		t.Errorf("600000 fetched %d times, want 1", n)
	}
	if n := p.callCount("000001"); n != 2 {
		t.Errorf("000001 fetched %d times, want 2", n)
	}
}

func TestDailyBarGathererRefreshesTail(t *testing.T) {
	dir := t.TempDir()
	p := newStubProvider("600000")

	g := newTestGatherer(t, p, dir)
	g.opts.Start = time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	if err := g.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Next trading day: the existing symbol only fetches the recent tail.
	monday := friday4pm.AddDate(0, 0, 3)
	g.opts.Now = func() time.Time { return monday }
	if err := g.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	start := p.starts["600000"]
	p.mu.Unlock()
	want := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -7)
	if !start.Equal(want) {
		t.Errorf("refresh start = %v, want %v", start, want)
	}
}

func TestDailyBarGathererCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := newTestGatherer(t, newStubProvider("600000"), t.TempDir())
	if err := g.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}

func TestCalendarSync(t *testing.T) {
	// Reference bars on every weekday except Wednesday 2024-01-03.
	p := newStubProvider()
	hs, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer hs.Close()

	rng := gather.DateRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}
	cs := NewCalendarSync(&holeProvider{stubProvider: p, hole: "2024-01-03", last: "2024-01-08"}, hs, []string{"600519"}, rng)

	got, err := cs.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["2024-01-03"] != holidayName {
		t.Errorf("Sync() = %v, want only 2024-01-03", got)
	}

	stored, err := hs.Holidays(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stored["2024-01-03"]; !ok {
		t.Errorf("stored holidays = %v, want 2024-01-03", stored)
	}
	// 2024-01-09 is past the last known session and stays undecided.
	if _, ok := stored["2024-01-09"]; ok {
		t.Error("days after the last session should not be stored")
	}
}

func TestCalendarSyncNoData(t *testing.T) {
	p := newStubProvider()
	p.fail["600519"] = true
	rng := gather.DateRange{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)}

	if err := NewCalendarSync(p, nil, []string{"600519"}, rng).Run(context.Background()); err == nil {
		t.Error("Run should fail without any trading dates")
	}
}

// holeProvider drops one date and everything after last from the stub bars.
type holeProvider struct {
	*stubProvider
	hole string
	last string
}

func (h *holeProvider) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	bars, err := h.stubProvider.DailyBars(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	var out []domain.Bar
	for _, b := range bars {
		d := b.Timestamp.Format("2006-01-02")
		if d == h.hole || d > h.last {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
