package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"quantdesk/internal/domain"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
)

const (
	defaultRunsLimit    = 50
	defaultSignalsLimit = 100
)

// parseDate accepts YYYY-MM-DD and YYYYMMDD.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse("20060102", s)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StrategiesResponse{Strategies: s.registry.List()})
}

// handleBacktest runs a backtest synchronously and returns the full result.
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["strategy"]

	var body BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	start, err := parseDate(body.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_date")
		return
	}
	end, err := parseDate(body.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_date")
		return
	}

	ctx := r.Context()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	res, err := s.backtester.Run(ctx, strategy.Request{
		Strategy:       name,
		Params:         body.Params,
		Start:          start,
		End:            end,
		InitialCapital: body.InitialCapital,
	})
	if err != nil {
		status := backtestStatus(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("backtest failed", "strategy", name, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func backtestStatus(err error) int {
	switch {
	case errors.Is(err, strategy.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, strategy.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, strategy.ErrNoUniverse),
		errors.Is(err, strategy.ErrNoTradingDays),
		errors.Is(err, strategy.ErrNoData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleScan runs the screener for today or ?date=. GET only reports the
// signals; POST also records them as screener positions.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "screener not configured")
		return
	}
	req := strategy.ScanRequest{Strategy: mux.Vars(r)["strategy"]}

	dateStr := r.URL.Query().Get("date")
	if r.Method == http.MethodPost {
		req.Record = true
		if r.ContentLength != 0 {
			var body ScanRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
				return
			}
			req.Params = body.Params
			if body.Date != "" {
				dateStr = body.Date
			}
		}
	}
	if dateStr != "" {
		d, err := parseDate(dateStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		req.Date = d
	}

	ctx := r.Context()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	res, err := s.scanner.Scan(ctx, req)
	if err != nil {
		status := backtestStatus(err)
		if errors.Is(err, strategy.ErrNoSignalStore) {
			status = http.StatusServiceUnavailable
		}
		if status >= http.StatusInternalServerError {
			s.log.Error("scan failed", "strategy", req.Strategy, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLatestSignals(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal storage not configured")
		return
	}
	name := mux.Vars(r)["strategy"]
	records, err := s.signals.LatestSignals(r.Context(), name)
	if err != nil {
		s.log.Error("loading latest signals", "strategy", name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, signalsResponse(name, records))
}

// handleSignalHistory lists the newest screener positions, optionally
// filtered by ?status=holding|sold.
func (s *Server) handleSignalHistory(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal storage not configured")
		return
	}
	name := mux.Vars(r)["strategy"]
	q := r.URL.Query()

	limit := defaultSignalsLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	status, ok := parseTradeStatus(q.Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	records, err := s.signals.ListSignals(r.Context(), name, status, limit)
	if err != nil {
		s.log.Error("listing signals", "strategy", name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, signalsResponse(name, records))
}

func (s *Server) handleSignalPerformance(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal storage not configured")
		return
	}
	name := mux.Vars(r)["strategy"]
	records, err := s.signals.ListSignals(r.Context(), name, "", 0)
	if err != nil {
		s.log.Error("listing signals", "strategy", name, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SignalPerformanceResponse{
		Strategy:    name,
		SignalStats: domain.SummarizeSignals(records),
	})
}

func signalsResponse(name string, records []domain.SignalRecord) SignalsResponse {
	if records == nil {
		records = []domain.SignalRecord{}
	}
	return SignalsResponse{Strategy: name, Count: len(records), Signals: records}
}

// parseTradeStatus accepts the English and the stored Chinese spellings.
func parseTradeStatus(v string) (domain.TradeStatus, bool) {
	switch v {
	case "":
		return "", true
	case "holding", string(domain.TradeStatusHolding):
		return domain.TradeStatusHolding, true
	case "sold", string(domain.TradeStatusSold):
		return domain.TradeStatusSold, true
	}
	return "", false
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run storage not configured")
		return
	}
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := RunsResponse{Runs: make([]RunSummary, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = summaryOf(run)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run storage not configured")
		return
	}
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	run, err := s.runs.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.log.Error("loading run", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	txs, err := s.runs.ListTransactions(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	values, err := s.runs.ListDailyValues(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, RunDetail{
		RunSummary:   summaryOf(*run),
		Transactions: txs,
		DailyValues:  values,
		Trades:       domain.BuildTradeRecords(txs, run.End),
	})
}

func (s *Server) handleUniverse(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "market data provider not configured")
		return
	}
	list, err := s.provider.Universe(r.Context(), time.Now(), s.filter)
	if err != nil {
		s.log.Error("loading universe", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, UniverseResponse{Count: len(list), Stocks: list})
}

// handleBars returns daily bars for a symbol. Without start the last 90
// days up to end (default today) are returned.
func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeError(w, http.StatusServiceUnavailable, "market data provider not configured")
		return
	}
	symbol := mux.Vars(r)["symbol"]
	q := r.URL.Query()

	end := time.Now().UTC().Truncate(24 * time.Hour)
	if v := q.Get("end"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end")
			return
		}
		end = t
	}
	start := end.AddDate(0, 0, -90)
	if v := q.Get("start"); v != "" {
		t, err := parseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start")
			return
		}
		start = t
	}

	bars, err := s.provider.DailyBars(r.Context(), symbol, start, end)
	if err != nil {
		s.log.Error("loading bars", "symbol", symbol, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	resp := BarsResponse{Symbol: symbol, Bars: make([]BarJSON, len(bars))}
	for i, b := range bars {
		resp.Bars[i] = BarJSON{
			Date:   b.Timestamp.Format(dateLayout),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
			Amount: b.Amount,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
