package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPrecision(t *testing.T) {
	tests := []struct {
		currency string
		want     int32
	}{
		{"USD", 2},
		{"usd", 2},
		{"JPY", 0},
		{"KWD", 3},
		{"XYZ", DefaultPrecision},
	}

	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			if got := Precision(tt.currency); got != tt.want {
				t.Errorf("Precision(%q) = %d, want %d", tt.currency, got, tt.want)
			}
		})
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		in       string
		currency string
		want     string
	}{
		{"10.005", "USD", "10.01"},
		{"-10.005", "USD", "-10.01"},
		{"1234.5", "JPY", "1235"},
		{"1.23456", "KWD", "1.235"},
	}

	for _, tt := range tests {
		t.Run(tt.in+tt.currency, func(t *testing.T) {
			got := Round(decimal.RequireFromString(tt.in), tt.currency)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Round(%s, %s) = %s, want %s", tt.in, tt.currency, got, tt.want)
			}
		})
	}
}

func TestAmountConvert(t *testing.T) {
	tests := []struct {
		name   string
		amount Amount
		to     string
		rate   string
		want   string
	}{
		{"to cents", New(decimal.NewFromInt(100), "usd"), "nzd", "1.7", "170"},
		{"rounds half away", New(decimal.RequireFromString("10.01"), "USD"), "EUR", "0.5", "5.01"},
		{"negative", New(decimal.RequireFromString("-10.01"), "USD"), "EUR", "0.5", "-5.01"},
		{"zero decimals", New(decimal.RequireFromString("12.34"), "USD"), "JPY", "151.3", "1867"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.amount.Convert(tt.to, decimal.RequireFromString(tt.rate)).Rounded()
			if got.Currency != NormalizeCurrency(tt.to) || !got.Value.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Convert(%s, %s).Rounded() = %s %s, want %s", tt.to, tt.rate, got.Value, got.Currency, tt.want)
			}
		})
	}
}

func TestIsKnownCurrency(t *testing.T) {
	if !IsKnownCurrency("nzd") {
		t.Error("NZD should be known")
	}
	if IsKnownCurrency("ABC") {
		t.Error("ABC should not be known")
	}
}
