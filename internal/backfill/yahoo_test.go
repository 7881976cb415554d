package backfill

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

// Jan 2 and Jan 3 2024 sessions, with a dividend on Jan 3.
const chartFixture = `{
  "chart": {
    "result": [{
      "meta": {"symbol": "AAPL", "exchangeName": "NMS"},
      "timestamp": [1704205800, 1704292200],
      "indicators": {
        "quote": [{
          "open":   [187.15, 184.22],
          "high":   [188.44, 185.88],
          "low":    [183.89, 183.43],
          "close":  [185.64, 184.25],
          "volume": [82488700, 58414500]
        }],
        "adjclose": [{"adjclose": [185.40, 184.01]}]
      },
      "events": {
        "dividends": {"1704292200": {"amount": 0.24, "date": 1704292200}},
        "splits": {}
      }
    }],
    "error": null
  }
}`

func TestYahooBars_FetchDailyBars(t *testing.T) {
	var gotUA, gotEvents string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotEvents = r.URL.Query().Get("events")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chartFixture))
	}))
	defer srv.Close()

	y := NewYahooBars(ratelimit.NewGovernor(), WithYahooBaseURL(srv.URL))
	got, err := y.FetchDailyBars(context.Background(), "AAPL",
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if gotUA == "" || gotUA == "Go-http-client/1.1" {
		t.Errorf("chart API requires a browser user agent, sent %q", gotUA)
	}
	if gotEvents != "div,splits" {
		t.Errorf("expected events=div,splits, got %q", gotEvents)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(got))
	}

	first := got[0]
	if first.Symbol != "AAPL" || first.Source != string(YahooVendor) {
		t.Errorf("identity wrong: %+v", first.Bar)
	}
	if !first.SessionDate.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("session date wrong: %s", first.SessionDate)
	}
	if !first.Open.Equal(decimal.NewFromFloat(187.15)) || first.Volume != 82488700 {
		t.Errorf("OHLCV mangled: %+v", first.Bar)
	}
	if first.AdjClose == nil || !first.AdjClose.Equal(decimal.NewFromFloat(185.40)) {
		t.Errorf("adjusted close missing: %+v", first)
	}
	if first.DividendAmount != nil {
		t.Error("no dividend expected on Jan 2")
	}

	second := got[1]
	if second.DividendAmount == nil || !second.DividendAmount.Equal(decimal.NewFromFloat(0.24)) {
		t.Errorf("dividend missing on Jan 3: %+v", second)
	}
}

func TestYahooBars_RateLimitInstallsCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gov := ratelimit.NewGovernor()
	y := NewYahooBars(gov, WithYahooBaseURL(srv.URL))
	_, err := y.FetchDailyBars(context.Background(), "AAPL",
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))

	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Code != provider.CodeRateLimit {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if gov.CooldownRemaining(YahooVendor) == 0 {
		t.Error("429 must install a governor cooldown")
	}
	if available, _ := y.IsAvailable(context.Background()); available {
		t.Error("cooled-down client must report unavailable")
	}
}

func TestYahooBars_ChartErrorIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`))
	}))
	defer srv.Close()

	y := NewYahooBars(ratelimit.NewGovernor(), WithYahooBaseURL(srv.URL))
	_, err := y.FetchDailyBars(context.Background(), "ZZZZZZ",
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))

	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Code != provider.CodeNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if provider.IsRetryable(err) {
		t.Error("unknown symbols must not be retried")
	}
}
