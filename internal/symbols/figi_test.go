package symbols

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
)

func newMappingServer(t *testing.T, hits *int64, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		if r.URL.Path != "/v3/mapping" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		handler(w, r)
	}))
}

func TestResolver_LookupByTicker(t *testing.T) {
	var hits int64
	srv := newMappingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		var queries []MappingQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&queries))
		require.Len(t, queries, 1)
		assert.Equal(t, IDTypeTicker, queries[0].IDType)
		assert.Equal(t, "AAPL", queries[0].IDValue)

		_ = json.NewEncoder(w).Encode([]mappingResponseItem{{
			Data: []MappingResult{{
				FIGI:          "BBG000B9XRY4",
				CompositeFIGI: "BBG000B9XRY4",
				SecurityType:  "Common Stock",
				MarketSector:  "Equity",
				Ticker:        "AAPL",
				Name:          "APPLE INC",
				ExchangeCode:  "US",
			}},
		}})
	})
	defer srv.Close()

	r := NewResolver(ratelimit.NewGovernor(), "", WithBaseURL(srv.URL))

	results, err := r.LookupByTicker(context.Background(), "aapl", "", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "BBG000B9XRY4", results[0].FIGI)
	assert.Equal(t, "APPLE INC", results[0].Name)
}

func TestResolver_CachesPositiveLookups(t *testing.T) {
	var hits int64
	srv := newMappingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]mappingResponseItem{{
			Data: []MappingResult{{FIGI: "BBG0001", Ticker: "MSFT"}},
		}})
	})
	defer srv.Close()

	r := NewResolver(ratelimit.NewGovernor(), "", WithBaseURL(srv.URL))

	for i := 0; i < 3; i++ {
		results, err := r.LookupByTicker(context.Background(), "MSFT", "", "")
		require.NoError(t, err)
		require.Len(t, results, 1)
	}
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits), "repeat lookups must be served from cache")
}

func TestResolver_NegativeLookupExpires(t *testing.T) {
	var hits int64
	srv := newMappingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]mappingResponseItem{{Error: "No identifier found."}})
	})
	defer srv.Close()

	r := NewResolver(ratelimit.NewGovernor(), "", WithBaseURL(srv.URL))

	now := time.Now()
	r.cache.now = func() time.Time { return now }

	results, err := r.LookupByTicker(context.Background(), "NOPE", "", "")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	// Within the negative TTL the miss is served from cache.
	_, err = r.LookupByTicker(context.Background(), "NOPE", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))

	// Past the negative TTL the service is consulted again.
	now = now.Add(NegativeTTL + time.Second)
	_, err = r.LookupByTicker(context.Background(), "NOPE", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits))
}

func TestResolver_RateLimitSurfaced(t *testing.T) {
	var hits int64
	srv := newMappingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	gov := ratelimit.NewGovernor()
	r := NewResolver(gov, "", WithBaseURL(srv.URL))

	_, err := r.LookupByISIN(context.Background(), "US0378331005")
	pe, ok := err.(*provider.Error)
	require.True(t, ok, "expected provider.Error, got %T", err)
	assert.Equal(t, provider.CodeRateLimit, pe.Code)
	assert.True(t, gov.IsRateLimited(OpenFIGIVendor), "429 must install a governor cooldown")
}

func TestResolver_MalformedResponseYieldsEmpty(t *testing.T) {
	var hits int64
	srv := newMappingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"this is": "not an array"`))
	})
	defer srv.Close()

	r := NewResolver(ratelimit.NewGovernor(), "", WithBaseURL(srv.URL))

	results, err := r.LookupByCUSIP(context.Background(), "037833100")
	require.NoError(t, err, "malformed payloads must not raise errors")
	assert.Empty(t, results)
}

func TestResolver_BatchSplitting(t *testing.T) {
	var hits int64
	srv := newMappingServer(t, &hits, func(w http.ResponseWriter, r *http.Request) {
		var queries []MappingQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&queries))
		assert.LessOrEqual(t, len(queries), MaxBatchSize)

		items := make([]mappingResponseItem, len(queries))
		for i, q := range queries {
			items[i] = mappingResponseItem{Data: []MappingResult{{FIGI: "F" + q.IDValue, Ticker: q.IDValue}}}
		}
		_ = json.NewEncoder(w).Encode(items)
	})
	defer srv.Close()

	r := NewResolver(ratelimit.NewGovernor(), "testkey", WithBaseURL(srv.URL))

	queries := make([]MappingQuery, 150)
	for i := range queries {
		queries[i] = MappingQuery{IDType: IDTypeTicker, IDValue: tickerName(i)}
	}

	results, err := r.LookupBatch(context.Background(), queries)
	require.NoError(t, err)
	require.Len(t, results, 150)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits), "150 identifiers must split into two requests")
	assert.Equal(t, "F"+tickerName(149), results[149][0].FIGI)
}

func tickerName(i int) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	return string([]byte{letters[i/26%26], letters[i%26], 'X'})
}
