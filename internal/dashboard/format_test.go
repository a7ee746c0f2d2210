package dashboard

import (
	"math"
	"testing"
)

func TestFormatInt(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{-1000000, "-1,000,000"},
	}
	for _, tt := range tests {
		if got := FormatInt(tt.in); got != tt.want {
			t.Errorf("FormatInt(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{123.456, "123.46"},
		{25000, "2.50万"},
		{1002000, "100.20万"},
		{3e11, "3000.00亿"},
		{-50000, "-5.00万"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.in); got != tt.want {
			t.Errorf("FormatAmount(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatPct(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.0123, "+1.23%"},
		{-0.2, "-20.00%"},
		{0, "0.00%"},
	}
	for _, tt := range tests {
		if got := FormatPct(tt.in); got != tt.want {
			t.Errorf("FormatPct(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatPriceAndRatio(t *testing.T) {
	if got := FormatPrice(0); got != "-" {
		t.Errorf("FormatPrice(0) = %q, want -", got)
	}
	if got := FormatPrice(10.5); got != "10.50" {
		t.Errorf("FormatPrice(10.5) = %q, want 10.50", got)
	}
	if got := FormatRatio(math.NaN()); got != "-" {
		t.Errorf("FormatRatio(NaN) = %q, want -", got)
	}
	if got := FormatRatio(1.23456); got != "1.235" {
		t.Errorf("FormatRatio = %q, want 1.235", got)
	}
}
