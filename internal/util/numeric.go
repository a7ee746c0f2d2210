package util

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// unitMultipliers lists Chinese magnitude suffixes, longest first so "万亿"
// wins over "亿".
var unitMultipliers = []struct {
	suffix string
	mult   decimal.Decimal
}{
	{"万亿", decimal.New(1, 12)},
	{"亿", decimal.New(1, 8)},
	{"万", decimal.New(1, 4)},
}

// ParseNumeric coerces a raw market-data value to a float. Numbers pass
// through; strings may carry a "%" suffix (divided by 100) or a 万/亿/万亿
// magnitude suffix. Blanks, NaN and anything unparsable yield 0.
func ParseNumeric(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		return finite(x)
	case float32:
		return finite(float64(x))
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		return ParseNumeric(string(x))
	case string:
		return parseNumericString(x)
	default:
		return 0
	}
}

func parseNumericString(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	if rest, ok := strings.CutSuffix(s, "%"); ok {
		d, err := decimal.NewFromString(strings.TrimSpace(rest))
		if err != nil {
			return 0
		}
		return d.Div(decimal.NewFromInt(100)).InexactFloat64()
	}

	mult := decimal.NewFromInt(1)
	for _, u := range unitMultipliers {
		if rest, ok := strings.CutSuffix(s, u.suffix); ok {
			s, mult = strings.TrimSpace(rest), u.mult
			break
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.Mul(mult).InexactFloat64()
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
