// Package dashboard formats backtest figures for terminal output.
package dashboard

import (
	"fmt"
	"math"
	"strings"
)

// FormatInt formats an integer with comma separators.
func FormatInt(n int64) string {
	neg := n < 0
	if neg {
		n = -n
	}
	s := fmt.Sprintf("%d", n)
	if len(s) > 3 {
		var b strings.Builder
		start := len(s) % 3
		if start > 0 {
			b.WriteString(s[:start])
		}
		for i := start; i < len(s); i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(s[i : i+3])
		}
		s = b.String()
	}
	if neg {
		return "-" + s
	}
	return s
}

// FormatAmount formats a CNY amount with 亿 / 万 suffixes.
func FormatAmount(v float64) string {
	a := math.Abs(v)
	switch {
	case a >= 1e8:
		return fmt.Sprintf("%.2f亿", v/1e8)
	case a >= 1e4:
		return fmt.Sprintf("%.2f万", v/1e4)
	default:
		return fmt.Sprintf("%.2f", v)
	}
}

// FormatPrice formats a price, or "-" for zero.
func FormatPrice(p float64) string {
	if p == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", p)
}

// FormatPct formats a fraction as a signed percentage, e.g. 0.0123 as
// "+1.23%". Zero has no sign.
func FormatPct(f float64) string {
	pct := f * 100
	switch {
	case pct > 0:
		return fmt.Sprintf("+%.2f%%", pct)
	case pct < 0:
		return fmt.Sprintf("%.2f%%", pct)
	default:
		return "0.00%"
	}
}

// FormatRatio formats a dimensionless ratio such as Sharpe.
func FormatRatio(r float64) string {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return "-"
	}
	return fmt.Sprintf("%.3f", r)
}
