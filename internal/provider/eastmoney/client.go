// Package eastmoney implements provider.Provider on top of the East Money
// public quote, kline and F10 finance HTTP APIs.
package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/provider"
	"quantdesk/internal/util"
)

// Compile-time interface check.
var _ provider.Provider = (*Client)(nil)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	referer   = "https://quote.eastmoney.com/"

	// A-share market filter for the clist endpoint: SZ main, SZ ChiNext,
	// SH main, SH STAR.
	aShareFS = "m:0+t:6,m:0+t:80,m:1+t:2,m:1+t:23"

	pageSize = 500
)

// Options configures a Client.
type Options struct {
	BaseURL         string // push2, quotes and stock list
	HistoryURL      string // push2his, daily klines
	FinanceURL      string // datacenter, F10 finance
	Timeout         time.Duration
	RateLimitPerMin int
	Retries         int
	RetryDelay      time.Duration
}

// Client fetches A-share market data from East Money.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewClient creates a Client. Zero Timeout, Retries and RetryDelay fall back
// to 15s, 1 and 500ms.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: util.NewRateLimiter(opts.RateLimitPerMin),
		log:     slog.Default().With("provider", "eastmoney"),
	}
}

// ---------------------------------------------------------------------------
// Universe
// ---------------------------------------------------------------------------

type clistResponse struct {
	Data *struct {
		Total int              `json:"total"`
		Diff  []map[string]any `json:"diff"`
	} `json:"data"`
}

// Universe returns the current A-share list filtered by f. The quote list is
// a live snapshot, so asOf only matters to caching layers above.
func (c *Client) Universe(ctx context.Context, _ time.Time, f provider.UniverseFilter) ([]domain.StockInfo, error) {
	var all []domain.StockInfo
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("pn", strconv.Itoa(page))
		q.Set("pz", strconv.Itoa(pageSize))
		q.Set("po", "1")
		q.Set("np", "1")
		q.Set("fltt", "2")
		q.Set("invt", "2")
		q.Set("fid", "f21")
		q.Set("fs", aShareFS)
		q.Set("fields", "f2,f9,f12,f14,f20,f21,f23")

		var resp clistResponse
		if err := c.getJSON(ctx, c.opts.BaseURL+"/api/qt/clist/get?"+q.Encode(), &resp); err != nil {
			return nil, fmt.Errorf("fetching stock list page %d: %w", page, err)
		}
		if resp.Data == nil || len(resp.Data.Diff) == 0 {
			break
		}

		for _, row := range resp.Data.Diff {
			code, _ := row["f12"].(string)
			if code == "" {
				continue
			}
			name, _ := row["f14"].(string)
			all = append(all, domain.StockInfo{
				Symbol:           code,
				Name:             name,
				Price:            number(row["f2"]),
				PE:               number(row["f9"]),
				MarketValue:      number(row["f20"]),
				CirculatingValue: number(row["f21"]),
				PB:               number(row["f23"]),
			})
		}
		if len(all) >= resp.Data.Total {
			break
		}
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("empty stock list")
	}
	return provider.ApplyFilter(all, f), nil
}

// ---------------------------------------------------------------------------
// Daily bars
// ---------------------------------------------------------------------------

type klineResponse struct {
	Data *struct {
		Code   string   `json:"code"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// DailyBars returns forward-adjusted daily bars for symbol in [start, end].
func (c *Client) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("secid", secID(symbol))
	q.Set("fields1", "f1,f2,f3,f4,f5,f6")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57")
	q.Set("klt", "101")
	q.Set("fqt", "1")
	q.Set("beg", start.Format("20060102"))
	q.Set("end", end.Format("20060102"))

	var resp klineResponse
	if err := c.getJSON(ctx, c.opts.HistoryURL+"/api/qt/stock/kline/get?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("fetching klines for %s: %w", symbol, err)
	}
	if resp.Data == nil {
		return nil, nil
	}
	return parseKlines(symbol, resp.Data.Klines, start, end), nil
}

// parseKlines decodes "date,open,close,high,low,volume,amount" rows. Rows
// that do not parse or fall outside [start, end] are dropped.
func parseKlines(symbol string, lines []string, start, end time.Time) []domain.Bar {
	bars := make([]domain.Bar, 0, len(lines))
	for _, line := range lines {
		parts := strings.Split(line, ",")
		if len(parts) < 6 {
			continue
		}
		ts, err := time.Parse("2006-01-02", parts[0])
		if err != nil || ts.Before(truncate(start)) || ts.After(end) {
			continue
		}

		open, _ := strconv.ParseFloat(parts[1], 64)
		closePx, _ := strconv.ParseFloat(parts[2], 64)
		high, _ := strconv.ParseFloat(parts[3], 64)
		low, _ := strconv.ParseFloat(parts[4], 64)
		volume, _ := strconv.ParseInt(parts[5], 10, 64)
		var amount float64
		if len(parts) > 6 {
			amount, _ = strconv.ParseFloat(parts[6], 64)
		}

		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    volume,
			Amount:    amount,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars
}

// ---------------------------------------------------------------------------
// Fundamentals
// ---------------------------------------------------------------------------

type quoteResponse struct {
	Data map[string]any `json:"data"`
}

type financeResponse struct {
	Success bool `json:"success"`
	Result  *struct {
		Data []map[string]any `json:"data"`
	} `json:"result"`
}

// financeColumns maps F10 main-indicator columns to raw field names.
// Columns reported in percent are divided by 100.
var financeColumns = []struct {
	column  string
	field   string
	percent bool
}{
	{"ROEJQ", provider.FieldROE, true},
	{"MGWFPLR", provider.FieldRetainedEarnings, false},
	{"ZCFZL", provider.FieldDebtRatio, true},
	{"XSMLL", provider.FieldGrossMargin, true},
	{"PARENTNETPROFITTZ", provider.FieldNetProfitGrowth, true},
	{"MGJYXJJE", provider.FieldOperatingCashFlow, false},
	{"CHZZL", provider.FieldInventoryTurnover, false},
	{"YSZKZZTS", provider.FieldReceivableDays, false},
	{"LD", provider.FieldCurrentRatio, false},
	{"SD", provider.FieldQuickRatio, false},
}

// FundamentalFields merges the live PE/PB quote with the latest reported
// F10 main financial indicators.
func (c *Client) FundamentalFields(ctx context.Context, symbol string) (map[string]any, error) {
	q := url.Values{}
	q.Set("secid", secID(symbol))
	q.Set("fltt", "2")
	q.Set("invt", "2")
	q.Set("fields", "f9,f23")

	var quote quoteResponse
	if err := c.getJSON(ctx, c.opts.BaseURL+"/api/qt/stock/get?"+q.Encode(), &quote); err != nil {
		return nil, fmt.Errorf("fetching quote for %s: %w", symbol, err)
	}

	fq := url.Values{}
	fq.Set("reportName", "RPT_F10_FINANCE_MAINFINADATA")
	fq.Set("columns", "ALL")
	fq.Set("filter", fmt.Sprintf(`(SECUCODE="%s")`, secuCode(symbol)))
	fq.Set("pageNumber", "1")
	fq.Set("pageSize", "1")
	fq.Set("sortColumns", "REPORT_DATE")
	fq.Set("sortTypes", "-1")

	var fin financeResponse
	if err := c.getJSON(ctx, c.opts.FinanceURL+"/securities/api/data/v1/get?"+fq.Encode(), &fin); err != nil {
		return nil, fmt.Errorf("fetching finance data for %s: %w", symbol, err)
	}
	if quote.Data == nil || fin.Result == nil || len(fin.Result.Data) == 0 {
		return nil, fmt.Errorf("no fundamental data for %s", symbol)
	}

	fields := map[string]any{
		provider.FieldPE: quote.Data["f9"],
		provider.FieldPB: quote.Data["f23"],
	}
	latest := fin.Result.Data[0]
	for _, col := range financeColumns {
		v, ok := latest[col.column]
		if !ok || v == nil {
			continue
		}
		if f, isNum := v.(float64); isNum && col.percent {
			v = f / 100
		}
		fields[col.field] = v
	}
	return fields, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	return util.Retry(ctx, c.opts.Retries, c.opts.RetryDelay, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return util.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Referer", referer)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return util.Permanent(ctx.Err())
			}
			c.log.Debug("request failed", "url", rawURL, "error", err)
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateBody(body))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return util.Permanent(err)
			}
			return err
		}
		if err := json.Unmarshal(body, out); err != nil {
			return util.Permanent(fmt.Errorf("decoding response: %w", err))
		}
		return nil
	})
}

// secID converts a six-digit code to East Money's "market.code" form:
// Shanghai codes (6xxxxx, 9xxxxx) use market 1, everything else 0.
func secID(symbol string) string {
	if strings.HasPrefix(symbol, "6") || strings.HasPrefix(symbol, "9") {
		return "1." + symbol
	}
	return "0." + symbol
}

// secuCode converts a six-digit code to the F10 "code.EXCHANGE" form.
func secuCode(symbol string) string {
	switch {
	case strings.HasPrefix(symbol, "6") || strings.HasPrefix(symbol, "9"):
		return symbol + ".SH"
	case strings.HasPrefix(symbol, "8") || strings.HasPrefix(symbol, "4"):
		return symbol + ".BJ"
	default:
		return symbol + ".SZ"
	}
}

// number reads a quote field that is either a JSON number or a placeholder
// string such as "-".
func number(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func truncateBody(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
