// Package local implements provider.Provider from files on disk: daily bars
// from the Parquet store and the universe plus fundamentals from a CSV
// snapshot as exported by common A-share terminals (GBK encoded).
package local

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"quantdesk/internal/domain"
	"quantdesk/internal/provider"
	"quantdesk/internal/store"
	"quantdesk/internal/util"
)

// Compile-time interface check.
var _ provider.Provider = (*Provider)(nil)

// Snapshot column headers with a fixed meaning. Every other column is
// returned verbatim by FundamentalFields.
const (
	colCode             = "代码"
	colName             = "名称"
	colPrice            = "最新价"
	colMarketValue      = "总市值"
	colCirculatingValue = "流通市值"
)

// Provider serves market data from local files.
type Provider struct {
	bars     store.BarStore
	market   string
	snapshot string
	gbk      bool

	mu      sync.Mutex
	modTime time.Time
	rows    []snapshotRow
	index   map[string]int
}

type snapshotRow struct {
	info   domain.StockInfo
	fields map[string]any
}

// New creates a Provider reading bars from bars and the universe snapshot
// from snapshotPath. When gbk is true the snapshot is decoded from GBK.
func New(bars store.BarStore, snapshotPath string, gbk bool) *Provider {
	return &Provider{
		bars:     bars,
		market:   string(domain.MarketCN),
		snapshot: snapshotPath,
		gbk:      gbk,
	}
}

// Universe returns the snapshot rows passing f. asOf is ignored; the
// snapshot is a single point in time.
func (p *Provider) Universe(_ context.Context, _ time.Time, f provider.UniverseFilter) ([]domain.StockInfo, error) {
	rows, _, err := p.load()
	if err != nil {
		return nil, err
	}
	list := make([]domain.StockInfo, len(rows))
	for i, r := range rows {
		list[i] = r.info
	}
	return provider.ApplyFilter(list, f), nil
}

// DailyBars reads bars from the Parquet store.
func (p *Provider) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	return p.bars.ReadBars(ctx, symbol, p.market, start, end)
}

// FundamentalFields returns the raw snapshot columns for symbol.
func (p *Provider) FundamentalFields(_ context.Context, symbol string) (map[string]any, error) {
	rows, index, err := p.load()
	if err != nil {
		return nil, err
	}
	i, ok := index[symbol]
	if !ok {
		return nil, fmt.Errorf("%s not in snapshot %s", symbol, p.snapshot)
	}
	out := make(map[string]any, len(rows[i].fields))
	for k, v := range rows[i].fields {
		out[k] = v
	}
	return out, nil
}

// load parses the snapshot, reusing the previous parse while the file is
// unchanged.
func (p *Provider) load() ([]snapshotRow, map[string]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, err := os.Stat(p.snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("universe snapshot: %w", err)
	}
	if p.rows != nil && st.ModTime().Equal(p.modTime) {
		return p.rows, p.index, nil
	}

	f, err := os.Open(p.snapshot)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if p.gbk {
		r = transform.NewReader(f, simplifiedchinese.GBK.NewDecoder())
	}
	rows, err := parseSnapshot(r)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", p.snapshot, err)
	}

	index := make(map[string]int, len(rows))
	for i, row := range rows {
		index[row.info.Symbol] = i
	}
	p.rows, p.index, p.modTime = rows, index, st.ModTime()
	return rows, index, nil
}

func parseSnapshot(r io.Reader) ([]snapshotRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	codeIdx, ok := cols[colCode]
	if !ok {
		return nil, fmt.Errorf("missing %q column", colCode)
	}

	get := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []snapshotRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if codeIdx >= len(rec) {
			continue
		}
		code := strings.TrimSpace(rec[codeIdx])
		if code == "" {
			continue
		}

		fields := make(map[string]any, len(header))
		for name, i := range cols {
			if i == codeIdx || name == colName || i >= len(rec) {
				continue
			}
			fields[name] = strings.TrimSpace(rec[i])
		}

		rows = append(rows, snapshotRow{
			info: domain.StockInfo{
				Symbol:           code,
				Name:             get(rec, colName),
				Price:            util.ParseNumeric(get(rec, colPrice)),
				MarketValue:      util.ParseNumeric(get(rec, colMarketValue)),
				CirculatingValue: util.ParseNumeric(get(rec, colCirculatingValue)),
				PE:               util.ParseNumeric(get(rec, provider.FieldPE)),
				PB:               util.ParseNumeric(get(rec, provider.FieldPB)),
			},
			fields: fields,
		})
	}
	return rows, nil
}
