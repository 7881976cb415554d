package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/marketfeed/internal/bars"
	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

// BarProvider retrieves historical session bars for one symbol range. All
// vendor backfill clients implement it.
type BarProvider interface {
	provider.Provider
	FetchDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]bars.AdjustedBar, error)
}

// YahooVendor identifies the Yahoo chart-API backfill client.
const YahooVendor provider.ID = "yahoo"

const (
	yahooBaseURL  = "https://query1.finance.yahoo.com"
	yahooChartFmt = "/v8/finance/chart/%s"

	// Yahoo rejects default Go user agents.
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// yahooChartResponse mirrors the nested chart payload. Only the fields the
// plane consumes are mapped.
type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol           string `json:"symbol"`
				ExchangeName     string `json:"exchangeName"`
				RegularMarketEnd int64  `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
				AdjClose []struct {
					AdjClose []*float64 `json:"adjclose"`
				} `json:"adjclose"`
			} `json:"indicators"`
			Events struct {
				Dividends map[string]struct {
					Amount float64 `json:"amount"`
					Date   int64   `json:"date"`
				} `json:"dividends"`
				Splits map[string]struct {
					Numerator   float64 `json:"numerator"`
					Denominator float64 `json:"denominator"`
					Date        int64   `json:"date"`
				} `json:"splits"`
			} `json:"events"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// YahooBars fetches daily bars from the Yahoo chart API. Unauthenticated;
// admission goes through the shared governor.
type YahooBars struct {
	http *resty.Client
	gov  *ratelimit.Governor
}

// NewYahooBars creates the client and registers its rate profile.
func NewYahooBars(gov *ratelimit.Governor, opts ...YahooOption) *YahooBars {
	if gov == nil {
		gov = ratelimit.NewGovernor()
	}
	y := &YahooBars{
		http: resty.New().
			SetBaseURL(yahooBaseURL).
			SetHeader("User-Agent", browserUserAgent).
			SetTimeout(30 * time.Second),
		gov: gov,
	}
	for _, opt := range opts {
		opt(y)
	}
	gov.Configure(YahooVendor, y.Capabilities().RateLimit)
	return y
}

// YahooOption configures a YahooBars client.
type YahooOption func(*YahooBars)

// WithYahooBaseURL overrides the endpoint, for tests.
func WithYahooBaseURL(url string) YahooOption {
	return func(y *YahooBars) { y.http.SetBaseURL(url) }
}

// ProviderID implements provider.Provider.
func (y *YahooBars) ProviderID() provider.ID { return YahooVendor }

// Capabilities implements provider.Provider.
func (y *YahooBars) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Kind:      provider.KindBackfill,
		Adjusted:  true,
		Dividends: true,
		Splits:    true,
		Markets:   []string{"US", "UK", "JP", "DE", "HK", "AU", "CA"},
		RateLimit: provider.RateLimitProfile{
			MaxRequests: 100,
			Window:      time.Minute,
			MinDelay:    200 * time.Millisecond,
		},
	}
}

// IsAvailable implements provider.Provider. The chart API has no health
// endpoint; availability means "not in cooldown".
func (y *YahooBars) IsAvailable(ctx context.Context) (bool, error) {
	return !y.gov.IsRateLimited(YahooVendor), nil
}

// Close implements provider.Provider.
func (y *YahooBars) Close(ctx context.Context) error { return nil }

// FetchDailyBars retrieves daily bars with dividend and split events for
// [from, to].
func (y *YahooBars) FetchDailyBars(ctx context.Context, symbol string, from, to time.Time) ([]bars.AdjustedBar, error) {
	if err := y.gov.WaitForSlot(ctx, YahooVendor); err != nil {
		return nil, err
	}

	var body yahooChartResponse
	resp, err := y.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"period1":  fmt.Sprintf("%d", from.Unix()),
			"period2":  fmt.Sprintf("%d", to.AddDate(0, 0, 1).Unix()),
			"interval": "1d",
			"events":   "div,splits",
		}).
		SetResult(&body).
		Get(fmt.Sprintf(yahooChartFmt, symbol))
	if err != nil {
		e := provider.NewError(YahooVendor, provider.CodeTransient, "chart request failed")
		e.Cause = err
		return nil, e
	}
	if resp.StatusCode() == 429 {
		y.gov.RecordRateLimitHit(YahooVendor, 0)
		return nil, provider.RateLimitError(YahooVendor, "chart API rate limited")
	}
	if resp.StatusCode() >= 400 {
		code := provider.ClassifyHTTPStatus(resp.StatusCode())
		e := provider.NewError(YahooVendor, code,
			fmt.Sprintf("chart API returned %d for %s", resp.StatusCode(), symbol))
		e.HTTPStatus = resp.StatusCode()
		return nil, e
	}
	if body.Chart.Error != nil {
		return nil, provider.NewError(YahooVendor, provider.CodeNotFound,
			fmt.Sprintf("chart error for %s: %s", symbol, body.Chart.Error.Description))
	}
	if len(body.Chart.Result) == 0 {
		return nil, nil
	}

	out := y.convert(symbol, body)
	log.Debug().
		Str("symbol", symbol).
		Int("bars", len(out)).
		Str("vendor", string(YahooVendor)).
		Msg("Daily bars retrieved")
	return out, nil
}

func (y *YahooBars) convert(symbol string, body yahooChartResponse) []bars.AdjustedBar {
	result := body.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil
	}
	quote := result.Indicators.Quote[0]

	var adjClose []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adjClose = result.Indicators.AdjClose[0].AdjClose
	}

	divByDate := make(map[time.Time]decimal.Decimal)
	for _, div := range result.Events.Dividends {
		divByDate[bars.SessionDateOf(time.Unix(div.Date, 0))] = decimal.NewFromFloat(div.Amount)
	}
	splitByDate := make(map[time.Time]decimal.Decimal)
	for _, split := range result.Events.Splits {
		if split.Denominator == 0 {
			continue
		}
		factor := decimal.NewFromFloat(split.Numerator).Div(decimal.NewFromFloat(split.Denominator))
		splitByDate[bars.SessionDateOf(time.Unix(split.Date, 0))] = factor
	}

	var out []bars.AdjustedBar
	for i, ts := range result.Timestamp {
		if i >= len(quote.Open) || quote.Open[i] == nil || quote.High[i] == nil ||
			quote.Low[i] == nil || quote.Close[i] == nil {
			continue
		}
		var volume int64
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			volume = *quote.Volume[i]
		}
		date := bars.SessionDateOf(time.Unix(ts, 0))
		bar := bars.AdjustedBar{
			Bar: bars.Bar{
				Symbol:      symbol,
				SessionDate: date,
				Open:        decimal.NewFromFloat(*quote.Open[i]),
				High:        decimal.NewFromFloat(*quote.High[i]),
				Low:         decimal.NewFromFloat(*quote.Low[i]),
				Close:       decimal.NewFromFloat(*quote.Close[i]),
				Volume:      volume,
				Source:      string(YahooVendor),
			},
		}
		if adjClose != nil && i < len(adjClose) && adjClose[i] != nil {
			adj := decimal.NewFromFloat(*adjClose[i])
			bar.AdjClose = &adj
		}
		if amount, ok := divByDate[date]; ok {
			bar.DividendAmount = &amount
		}
		if factor, ok := splitByDate[date]; ok {
			bar.SplitFactor = &factor
		}
		out = append(out, bar)
	}
	return out
}
