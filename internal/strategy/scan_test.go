package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/domain"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// recordingSignalStore captures RecordSignals calls.
type recordingSignalStore struct {
	strategy string
	date     time.Time
	hits     []domain.SignalHit
}

func (r *recordingSignalStore) RecordSignals(_ context.Context, strategy string, date time.Time, hits []domain.SignalHit) (int, int, error) {
	r.strategy, r.date, r.hits = strategy, date, hits
	var opened, closed int
	for _, h := range hits {
		switch h.Signal {
		case domain.SignalBuy:
			opened++
		case domain.SignalSell:
			closed++
		}
	}
	return opened, closed, nil
}

func (r *recordingSignalStore) LatestSignals(context.Context, string) ([]domain.SignalRecord, error) {
	return nil, nil
}

func (r *recordingSignalStore) ListSignals(context.Context, string, domain.TradeStatus, int) ([]domain.SignalRecord, error) {
	return nil, nil
}

func newTestScanner(s Strategy, cal *util.TradingCalendar, signals store.SignalStore) *Scanner {
	reg := NewRegistry()
	reg.Register(s.Name(), func(map[string]any) (Strategy, error) { return s, nil })
	p := standardProvider()
	p.universe[0].Name = "浦发银行"
	return NewScanner(p, reg, cal, signals, DefaultOptions(), util.Discard())
}

func TestScanWeekendUsesPreviousTradingDay(t *testing.T) {
	s := &scriptedStrategy{script: map[time.Time]map[string]domain.SignalType{
		date(2024, 1, 5): {"600000": domain.SignalBuy, "000001": domain.SignalSell},
	}}
	signals := &recordingSignalStore{}
	sc := newTestScanner(s, nil, signals)

	res, err := sc.Scan(context.Background(), ScanRequest{Strategy: "scripted", Date: date(2024, 1, 6), Record: true})
	require.NoError(t, err)

	assert.Equal(t, date(2024, 1, 5), res.Date)
	assert.Equal(t, date(2024, 1, 8), res.NextSession)
	assert.Equal(t, 2, res.Selected)
	require.Len(t, res.Buys, 1)
	assert.Equal(t, domain.SignalHit{Symbol: "600000", Name: "浦发银行", Signal: domain.SignalBuy, Close: 12}, res.Buys[0])
	require.Len(t, res.Sells, 1)
	assert.Equal(t, "000001", res.Sells[0].Symbol)
	assert.Equal(t, 5.0, res.Sells[0].Close)

	assert.True(t, res.Recorded)
	assert.Equal(t, 1, res.Opened)
	assert.Equal(t, 1, res.Closed)
	assert.Equal(t, "scripted", signals.strategy)
	assert.Equal(t, date(2024, 1, 5), signals.date)
	require.Len(t, signals.hits, 2)
	assert.Equal(t, domain.SignalSell, signals.hits[0].Signal, "sells are applied before buys")

	require.Len(t, s.windows, 1)
	bars := s.windows[0].Bars["600000"]
	assert.Equal(t, date(2024, 1, 5), bars[len(bars)-1].Timestamp)
	assert.Equal(t, date(2023, 12, 6), bars[0].Timestamp)
}

func TestScanSkipsHolidays(t *testing.T) {
	s := &scriptedStrategy{script: map[time.Time]map[string]domain.SignalType{
		date(2024, 1, 4): {"600000": domain.SignalHold, "000001": domain.SignalHold},
	}}
	cal := util.NewTradingCalendar(map[string]string{"2024-01-05": "test holiday"})
	sc := newTestScanner(s, cal, nil)

	res, err := sc.Scan(context.Background(), ScanRequest{Strategy: "scripted", Date: date(2024, 1, 5)})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 1, 4), res.Date)
	assert.Equal(t, date(2024, 1, 8), res.NextSession)
	assert.Equal(t, 2, res.Holds)
	assert.Empty(t, res.Buys)
	assert.Empty(t, res.Sells)
	assert.False(t, res.Recorded)
}

func TestScanDefaultsToToday(t *testing.T) {
	s := &scriptedStrategy{}
	sc := newTestScanner(s, nil, nil)
	sc.now = func() time.Time { return time.Date(2024, 1, 3, 15, 30, 0, 0, time.FixedZone("CST", 8*3600)) }

	res, err := sc.Scan(context.Background(), ScanRequest{Strategy: "scripted"})
	require.NoError(t, err)
	assert.Equal(t, date(2024, 1, 3), res.Date)
}

func TestScanErrors(t *testing.T) {
	sc := newTestScanner(&scriptedStrategy{}, nil, nil)
	ctx := context.Background()

	_, err := sc.Scan(ctx, ScanRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = sc.Scan(ctx, ScanRequest{Strategy: "missing", Date: date(2024, 1, 5)})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = sc.Scan(ctx, ScanRequest{Strategy: "scripted", Date: date(2024, 1, 5), Record: true})
	assert.ErrorIs(t, err, ErrNoSignalStore)

	reg := NewRegistry()
	reg.Register("scripted", func(map[string]any) (Strategy, error) { return &scriptedStrategy{}, nil })
	empty := NewScanner(&fakeProvider{}, reg, nil, nil, DefaultOptions(), util.Discard())
	_, err = empty.Scan(ctx, ScanRequest{Strategy: "scripted", Date: date(2024, 1, 5)})
	assert.ErrorIs(t, err, ErrNoUniverse)
}
