package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketfeed/internal/bars"
	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

// AlpacaVendor identifies the Alpaca historical-bars REST client. The
// streaming client under internal/stream/alpaca shares the vendor id.
const AlpacaVendor provider.ID = "alpaca"

const (
	alpacaDataBaseURL = "https://data.alpaca.markets"
	alpacaBarsFmt     = "/v2/stocks/%s/bars"
	alpacaPageLimit   = 10000
)

type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
}

type alpacaBarsResponse struct {
	Bars          []alpacaBar `json:"bars"`
	NextPageToken *string     `json:"next_page_token"`
}

// AlpacaBars fetches daily bars from the Alpaca data API with pagination.
type AlpacaBars struct {
	http *resty.Client
	gov  *ratelimit.Governor
}

// AlpacaBarsConfig carries credentials; empty fields fall back to the
// ALPACA__KEY_ID / ALPACA__SECRET_KEY environment variables.
type AlpacaBarsConfig struct {
	KeyID     string
	SecretKey string
	BaseURL   string
}

// NewAlpacaBars creates the client and registers its rate profile.
func NewAlpacaBars(cfg AlpacaBarsConfig, gov *ratelimit.Governor) *AlpacaBars {
	if gov == nil {
		gov = ratelimit.NewGovernor()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = alpacaDataBaseURL
	}
	a := &AlpacaBars{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetHeader("APCA-API-KEY-ID", provider.ResolveCredential(AlpacaVendor, "key_id", cfg.KeyID)).
			SetHeader("APCA-API-SECRET-KEY", provider.ResolveCredential(AlpacaVendor, "secret_key", cfg.SecretKey)).
			SetTimeout(30 * time.Second),
		gov: gov,
	}
	gov.Configure(AlpacaVendor, a.Capabilities().RateLimit)
	return a
}

// ProviderID implements provider.Provider.
func (a *AlpacaBars) ProviderID() provider.ID { return AlpacaVendor }

// Capabilities implements provider.Provider.
func (a *AlpacaBars) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Kind:             provider.KindBackfill,
		Intraday:         true,
		HistoricalTrades: true,
		HistoricalQuotes: true,
		Markets:          []string{"US"},
		RateLimit: provider.RateLimitProfile{
			MaxRequests: 200,
			Window:      time.Minute,
		},
	}
}

// IsAvailable implements provider.Provider.
func (a *AlpacaBars) IsAvailable(ctx context.Context) (bool, error) {
	return !a.gov.IsRateLimited(AlpacaVendor), nil
}

// Close implements provider.Provider.
func (a *AlpacaBars) Close(ctx context.Context) error { return nil }

// FetchDailyBars retrieves daily bars for [from, to], following pagination.
// Alpaca serves raw (unadjusted) values on this path, so the adjusted
// columns stay empty.
func (a *AlpacaBars) FetchDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]bars.AdjustedBar, error) {
	var out []bars.AdjustedBar
	pageToken := ""
	for {
		if err := a.gov.WaitForSlot(ctx, AlpacaVendor); err != nil {
			return nil, err
		}

		params := map[string]string{
			"timeframe":  "1Day",
			"start":      from.UTC().Format(time.RFC3339),
			"end":        to.UTC().Format(time.RFC3339),
			"adjustment": "raw",
			"limit":      fmt.Sprintf("%d", alpacaPageLimit),
		}
		if pageToken != "" {
			params["page_token"] = pageToken
		}

		var body alpacaBarsResponse
		resp, err := a.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&body).
			Get(fmt.Sprintf(alpacaBarsFmt, symbol))
		if err != nil {
			e := provider.NewError(AlpacaVendor, provider.CodeTransient, "bars request failed")
			e.Cause = err
			return nil, e
		}
		if resp.StatusCode() == 429 {
			a.gov.RecordRateLimitHit(AlpacaVendor, 0)
			return nil, provider.RateLimitError(AlpacaVendor, "data API rate limited")
		}
		if resp.StatusCode() >= 400 {
			code := provider.ClassifyHTTPStatus(resp.StatusCode())
			e := provider.NewError(AlpacaVendor, code,
				fmt.Sprintf("data API returned %d for %s", resp.StatusCode(), symbol))
			e.HTTPStatus = resp.StatusCode()
			return nil, e
		}

		for _, b := range body.Bars {
			out = append(out, bars.AdjustedBar{Bar: bars.Bar{
				Symbol:      symbol,
				SessionDate: bars.SessionDateOf(b.Timestamp),
				Open:        decimal.NewFromFloat(b.Open),
				High:        decimal.NewFromFloat(b.High),
				Low:         decimal.NewFromFloat(b.Low),
				Close:       decimal.NewFromFloat(b.Close),
				Volume:      b.Volume,
				Source:      string(AlpacaVendor),
			}})
		}
		if body.NextPageToken == nil || *body.NextPageToken == "" {
			return out, nil
		}
		pageToken = *body.NextPageToken
	}
}
