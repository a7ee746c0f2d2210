// Package quantdesk is a Go client for the quantdesk HTTP API.
package quantdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quantdesk/internal/api"
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

// Client talks to a quantdesk server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quantdesk api: %d %s", e.Status, e.Message)
}

// NewClient creates a client for the server at baseURL. Backtests run
// synchronously on the server, so the default timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

// Strategies lists the strategies registered on the server.
func (c *Client) Strategies(ctx context.Context) ([]string, error) {
	var out api.StrategiesResponse
	if err := c.do(ctx, http.MethodGet, "/api/strategies", nil, &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

// Backtest runs strategyName on the server and returns the full result.
func (c *Client) Backtest(ctx context.Context, strategyName string, req api.BacktestRequest) (*strategy.BacktestResult, error) {
	var out strategy.BacktestResult
	path := "/api/backtest/" + url.PathEscape(strategyName)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Scan runs the screener for strategyName. With record set the server also
// stores the buys and sells as screener positions.
func (c *Client) Scan(ctx context.Context, strategyName string, record bool, req api.ScanRequest) (*strategy.ScanResult, error) {
	var out strategy.ScanResult
	path := "/api/signals/" + url.PathEscape(strategyName)
	var err error
	if record {
		err = c.do(ctx, http.MethodPost, path, req, &out)
	} else {
		if req.Date != "" {
			path += "?date=" + url.QueryEscape(req.Date)
		}
		err = c.do(ctx, http.MethodGet, path, nil, &out)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestSignals returns the screener rows touched by the most recent
// recorded scan of strategyName.
func (c *Client) LatestSignals(ctx context.Context, strategyName string) ([]domain.SignalRecord, error) {
	var out api.SignalsResponse
	if err := c.do(ctx, http.MethodGet, "/api/signals/"+url.PathEscape(strategyName)+"/latest", nil, &out); err != nil {
		return nil, err
	}
	return out.Signals, nil
}

// SignalHistory lists recorded screener rows, newest first. status may be
// "", "holding" or "sold".
func (c *Client) SignalHistory(ctx context.Context, strategyName, status string, limit int) ([]domain.SignalRecord, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/signals/" + url.PathEscape(strategyName) + "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.SignalsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Signals, nil
}

// Runs lists the most recent stored runs.
func (c *Client) Runs(ctx context.Context, limit int) ([]api.RunSummary, error) {
	var out api.RunsResponse
	path := "/api/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Run fetches one stored run with its transactions and value series.
func (c *Client) Run(ctx context.Context, id string) (*api.RunDetail, error) {
	var out api.RunDetail
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Bars retrieves daily bars for a symbol in [start, end].
func (c *Client) Bars(ctx context.Context, symbol string, start, end time.Time) ([]api.BarJSON, error) {
	q := url.Values{}
	q.Set("start", start.Format("2006-01-02"))
	q.Set("end", end.Format("2006-01-02"))
	var out api.BarsResponse
	path := "/api/stocks/" + url.PathEscape(symbol) + "/bars?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Bars, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
