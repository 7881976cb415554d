package symbols

import (
	"testing"

	"github.com/sawpanic/marketfeed/internal/provider"
)

func TestNormalize_VendorRules(t *testing.T) {
	n := NewNormalizer()

	cases := []struct {
		symbol string
		vendor string
		want   string
	}{
		{"aapl", "alpaca", "AAPL"},
		{" brk/b ", "alpaca", "BRK.B"},
		{"brk b", "polygon", "BRKB"},
		{"msft", "polygon", "MSFT"},
		{"brk/b", "polygon", "BRK.B"},
		{"BRK.B", "yahoo", "BRK-B"},
		{"vod@uk", "yahoo", "VOD.L"},
		{"7203@JP", "yahoo", "7203.T"},
		{"AAPL", "yahoo", "AAPL"},
		{"AAPL", "unknownvendor", "AAPL"},
		{"weird sym", "unknownvendor", "weird sym"},
	}

	for _, tc := range cases {
		got := n.Normalize(tc.symbol, provider.ID(tc.vendor))
		if got != tc.want {
			t.Errorf("Normalize(%q, %s) = %q, want %q", tc.symbol, tc.vendor, got, tc.want)
		}
	}
}

func TestNormalize_CustomRule(t *testing.T) {
	n := NewNormalizer()
	n.Register("acme", func(s string) string { return "X:" + s })

	if got := n.Normalize("AAPL", "acme"); got != "X:AAPL" {
		t.Errorf("custom rule not applied, got %q", got)
	}
}
