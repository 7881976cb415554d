package symbols

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

const (
	// OpenFIGIVendor is the governor key for the mapping service.
	OpenFIGIVendor provider.ID = "openfigi"

	openFIGIBaseURL = "https://api.openfigi.com"
	mappingPath     = "/v3/mapping"

	// MaxBatchSize is the OpenFIGI per-request identifier cap.
	MaxBatchSize = 100
)

// Identifier types accepted by the mapping service.
const (
	IDTypeTicker = "TICKER"
	IDTypeISIN   = "ID_ISIN"
	IDTypeCUSIP  = "ID_CUSIP"
	IDTypeSEDOL  = "ID_SEDOL"
)

// MappingQuery is one identifier to resolve.
type MappingQuery struct {
	IDType       string `json:"idType"`
	IDValue      string `json:"idValue"`
	ExchCode     string `json:"exchCode,omitempty"`
	MarketSecDes string `json:"marketSecDes,omitempty"`
}

// MappingResult is one resolved instrument.
type MappingResult struct {
	FIGI          string `json:"figi"`
	CompositeFIGI string `json:"compositeFIGI"`
	SecurityType  string `json:"securityType"`
	MarketSector  string `json:"marketSector"`
	Ticker        string `json:"ticker"`
	Name          string `json:"name"`
	ExchangeCode  string `json:"exchCode"`
}

type mappingResponseItem struct {
	Data  []MappingResult `json:"data"`
	Error string          `json:"error"`
}

// Resolver maps tickers and security identifiers to FIGIs through the
// OpenFIGI mapping service. Lookups are rate-limited through the governor
// (25/min unauthenticated, 250/min with a key) and cached: positive hits
// for 24h, misses for 10 minutes.
type Resolver struct {
	http  *resty.Client
	gov   *ratelimit.Governor
	cache *mappingCache
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRedisCache adds the shared Redis tier behind the in-process LRU.
func WithRedisCache(rdb redis.UniversalClient) ResolverOption {
	return func(r *Resolver) {
		r.cache.redis = rdb
	}
}

// WithBaseURL points the resolver at a different endpoint, for tests.
func WithBaseURL(url string) ResolverOption {
	return func(r *Resolver) {
		r.http.SetBaseURL(url)
	}
}

// NewResolver creates a resolver. An empty apiKey uses the unauthenticated
// envelope.
func NewResolver(gov *ratelimit.Governor, apiKey string, opts ...ResolverOption) *Resolver {
	client := resty.New().
		SetBaseURL(openFIGIBaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		client.SetHeader("X-OPENFIGI-APIKEY", apiKey)
	}

	profile := provider.RateLimitProfile{MaxRequests: 25, Window: time.Minute}
	if apiKey != "" {
		profile.MaxRequests = 250
	}
	gov.Configure(OpenFIGIVendor, profile)

	r := &Resolver{
		http:  client,
		gov:   gov,
		cache: newMappingCache(defaultCacheSize, nil, time.Now),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LookupByTicker resolves a ticker, optionally narrowed by exchange code and
// market sector.
func (r *Resolver) LookupByTicker(ctx context.Context, ticker, exchange, marketSector string) ([]MappingResult, error) {
	return r.lookupOne(ctx, MappingQuery{
		IDType:       IDTypeTicker,
		IDValue:      strings.ToUpper(strings.TrimSpace(ticker)),
		ExchCode:     exchange,
		MarketSecDes: marketSector,
	})
}

// LookupByISIN resolves an ISIN.
func (r *Resolver) LookupByISIN(ctx context.Context, isin string) ([]MappingResult, error) {
	return r.lookupOne(ctx, MappingQuery{IDType: IDTypeISIN, IDValue: strings.TrimSpace(isin)})
}

// LookupByCUSIP resolves a CUSIP.
func (r *Resolver) LookupByCUSIP(ctx context.Context, cusip string) ([]MappingResult, error) {
	return r.lookupOne(ctx, MappingQuery{IDType: IDTypeCUSIP, IDValue: strings.TrimSpace(cusip)})
}

// LookupBySEDOL resolves a SEDOL.
func (r *Resolver) LookupBySEDOL(ctx context.Context, sedol string) ([]MappingResult, error) {
	return r.lookupOne(ctx, MappingQuery{IDType: IDTypeSEDOL, IDValue: strings.TrimSpace(sedol)})
}

func (r *Resolver) lookupOne(ctx context.Context, q MappingQuery) ([]MappingResult, error) {
	batches, err := r.LookupBatch(ctx, []MappingQuery{q})
	if err != nil {
		return nil, err
	}
	return batches[0], nil
}

// LookupBatch resolves a set of identifiers, splitting into service-sized
// chunks. The result slice is parallel to the query slice.
func (r *Resolver) LookupBatch(ctx context.Context, queries []MappingQuery) ([][]MappingResult, error) {
	results := make([][]MappingResult, len(queries))

	// Serve what we can from cache; collect the misses.
	var missIdx []int
	var misses []MappingQuery
	for i, q := range queries {
		if cached, ok := r.cache.get(ctx, cacheKey(q)); ok {
			results[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		misses = append(misses, q)
	}

	for start := 0; start < len(misses); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(misses) {
			end = len(misses)
		}
		chunk := misses[start:end]

		resolved, err := r.requestMapping(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for j, res := range resolved {
			idx := missIdx[start+j]
			results[idx] = res
			r.cache.put(ctx, cacheKey(chunk[j]), res)
		}
	}

	return results, nil
}

// requestMapping performs one POST to the mapping endpoint. Malformed
// responses yield empty result sets, never an error across this boundary.
func (r *Resolver) requestMapping(ctx context.Context, queries []MappingQuery) ([][]MappingResult, error) {
	if err := r.gov.WaitForSlot(ctx, OpenFIGIVendor); err != nil {
		return nil, err
	}

	resp, err := r.http.R().
		SetContext(ctx).
		SetBody(queries).
		Post(mappingPath)
	if err != nil {
		return nil, provider.NewError(OpenFIGIVendor, provider.CodeTransient, err.Error())
	}

	if resp.StatusCode() == 429 {
		r.gov.RecordRateLimitHit(OpenFIGIVendor, 0)
		return nil, provider.RateLimitError(OpenFIGIVendor, "openfigi mapping rate limit")
	}
	if resp.StatusCode() >= 400 {
		code := provider.ClassifyHTTPStatus(resp.StatusCode())
		pe := provider.NewError(OpenFIGIVendor, code, "openfigi mapping request failed")
		pe.HTTPStatus = resp.StatusCode()
		return nil, pe
	}

	var items []mappingResponseItem
	if err := json.Unmarshal(resp.Body(), &items); err != nil {
		log.Warn().
			Str("payload", truncate(string(resp.Body()), 500)).
			Msg("OpenFIGI response unparseable, returning empty results")
		return make([][]MappingResult, len(queries)), nil
	}

	out := make([][]MappingResult, len(queries))
	for i := range queries {
		if i < len(items) {
			out[i] = items[i].Data
		}
	}
	return out, nil
}

func cacheKey(q MappingQuery) string {
	return strings.Join([]string{q.IDType, q.IDValue, q.ExchCode, q.MarketSecDes}, "|")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
