package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketfeed/internal/archive"
	"github.com/sawpanic/marketfeed/internal/backfill"
	"github.com/sawpanic/marketfeed/internal/bars"
	"github.com/sawpanic/marketfeed/internal/config"
	"github.com/sawpanic/marketfeed/internal/facade"
	"github.com/sawpanic/marketfeed/internal/provider"
	"github.com/sawpanic/marketfeed/internal/ratelimit"
	"github.com/sawpanic/marketfeed/internal/stream"
	"github.com/sawpanic/marketfeed/internal/symbols"
)

const (
	appName = "marketfeed"
	version = "v0.3.0"
)

var (
	configPath string
	verbose    bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-provider US equity market data plane",
		Version: version,
		Long: `marketfeed streams trades and quotes from Alpaca and Polygon with
automatic failover, and backfills daily bars from Yahoo and Alpaca into
Postgres. Credentials resolve from config, then VENDOR__FIELD, then
VENDOR_FIELD environment variables.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to marketfeed.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newStreamCmd(), newBackfillCmd(), newResolveCmd(), newHealthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// printingSinks logs every normalized event; the plane itself never stores
// streaming data.
type printingSinks struct{}

func (printingSinks) OnTrade(t stream.TradeUpdate) {
	log.Info().
		Str("provider", string(t.Provider)).
		Str("symbol", t.Symbol).
		Str("price", t.Price.String()).
		Str("size", t.Size.String()).
		Time("ts", t.Timestamp).
		Msg("trade")
}

func (printingSinks) OnQuote(q stream.QuoteUpdate) {
	log.Info().
		Str("provider", string(q.Provider)).
		Str("symbol", q.Symbol).
		Str("bid", q.BidPrice.String()).
		Str("ask", q.AskPrice.String()).
		Msg("quote")
}

func (printingSinks) OnDepth(stream.DepthUpdate) {}

func newStreamCmd() *cobra.Command {
	var trades, quotes []string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream live trades and quotes to the console",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(trades) == 0 && len(quotes) == 0 {
				return fmt.Errorf("nothing to stream: pass --trades and/or --quotes")
			}

			sink := printingSinks{}
			f := facade.New(cfg, stream.Sinks{Trades: sink, Quotes: sink, Depth: sink})
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := f.Start(ctx); err != nil {
				return fmt.Errorf("start plane: %w", err)
			}
			norm := symbols.NewNormalizer()
			for _, s := range trades {
				if _, err := f.SubscribeTrades(norm.Normalize(s, "")); err != nil {
					log.Error().Err(err).Str("symbol", s).Msg("Trade subscribe failed")
				}
			}
			for _, s := range quotes {
				if _, err := f.SubscribeQuotes(norm.Normalize(s, "")); err != nil {
					log.Error().Err(err).Str("symbol", s).Msg("Quote subscribe failed")
				}
			}

			go func() {
				for ev := range f.Events() {
					log.Warn().
						Str("rule", ev.RuleID).
						Str("from", string(ev.FromProviderID)).
						Str("to", string(ev.ToProviderID)).
						Int("transferred", ev.Transferred).
						Msgf("%s", ev.Type)
				}
			}()

			<-ctx.Done()
			log.Info().Msg("Shutting down")
			return f.Close(context.Background())
		},
	}
	cmd.Flags().StringSliceVar(&trades, "trades", nil, "symbols to stream trades for")
	cmd.Flags().StringSliceVar(&quotes, "quotes", nil, "symbols to stream quotes for")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	var (
		symbolList []string
		fromStr    string
		toStr      string
		vendor     string
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Backfill daily bars into the archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(symbolList) == 0 {
				return fmt.Errorf("--symbols is required")
			}
			from, err := time.Parse("2006-01-02", fromStr)
			if err != nil {
				return fmt.Errorf("bad --from: %w", err)
			}
			to := time.Now().UTC()
			if toStr != "" {
				if to, err = time.Parse("2006-01-02", toStr); err != nil {
					return fmt.Errorf("bad --to: %w", err)
				}
			}
			if cfg.Archive.DSN == "" {
				return fmt.Errorf("archive.dsn is required for backfill")
			}

			store, err := archive.Open(cfg.Archive.DSN)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer store.Close()
			ctx := cmd.Context()
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate archive: %w", err)
			}

			gov := ratelimit.NewGovernor()
			providers := map[provider.ID]backfill.BarProvider{
				backfill.YahooVendor: backfill.NewYahooBars(gov),
				backfill.AlpacaVendor: backfill.NewAlpacaBars(backfill.AlpacaBarsConfig{
					KeyID:     cfg.Credential(backfill.AlpacaVendor, "key_id"),
					SecretKey: cfg.Credential(backfill.AlpacaVendor, "secret_key"),
				}, gov),
			}
			preferred := []provider.ID{backfill.YahooVendor, backfill.AlpacaVendor}
			if vendor != "" {
				id := provider.ID(vendor)
				if _, ok := providers[id]; !ok {
					return fmt.Errorf("unknown backfill provider %q", vendor)
				}
				preferred = []provider.ID{id}
			}

			sched := backfill.NewScheduler(backfill.SchedulerConfig{
				MaxConcurrentRequests:    cfg.Backfill.MaxConcurrentRequests,
				MaxConcurrentPerProvider: cfg.Backfill.MaxConcurrentPerProvider,
			}, gov)

			gaps, err := backfill.AnalyzeGaps(ctx, store, symbolList, from, to)
			if err != nil {
				return err
			}
			if len(gaps) == 0 {
				log.Info().Msg("Archive already complete for the requested range")
				return nil
			}

			job := backfill.NewJob(symbolList, from, to, preferred)
			if cfg.Backfill.BatchSizeDays > 0 {
				job.Options.BatchSizeDays = cfg.Backfill.BatchSizeDays
			}
			if cfg.Backfill.MaxRetries > 0 {
				job.Options.MaxRetries = cfg.Backfill.MaxRetries
			}
			queued := sched.EnqueueJob(job, gaps)
			log.Info().Int("requests", queued).Msg("Backfill job queued")

			runBackfill(ctx, sched, providers, store, queued)

			stats := sched.GetStatistics()
			log.Info().
				Int("completed", stats.Completed).
				Int("failed", stats.Failed).
				Msg("Backfill finished")
			if stats.Failed > 0 {
				return fmt.Errorf("%d requests failed", stats.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&symbolList, "symbols", nil, "symbols to backfill")
	cmd.Flags().StringVar(&fromStr, "from", "", "range start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "range end (YYYY-MM-DD), default today")
	cmd.Flags().StringVar(&vendor, "provider", "", "force a single provider (yahoo, alpaca)")
	cmd.MarkFlagRequired("symbols")
	cmd.MarkFlagRequired("from")
	return cmd
}

// runBackfill pumps the scheduler until every queued request reaches a
// terminal status, executing fetches inline.
func runBackfill(ctx context.Context, sched *backfill.Scheduler, providers map[provider.ID]backfill.BarProvider, store *archive.BarArchive, queued int) {
	validator := bars.NewValidator(bars.DefaultValidationConfig())
	terminal := 0

	go func() {
		for {
			req, ok := sched.TryDequeueRunnable()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
					continue
				}
			}
			src := providers[req.AssignedProvider]
			fetched, err := src.FetchDailyBars(ctx, req.Symbol, req.From, req.To)
			if err != nil {
				sched.CompleteRequest(req, false, err)
				continue
			}
			req.BarsRetrieved = len(fetched)

			raw := make([]bars.Bar, len(fetched))
			for i, b := range fetched {
				raw[i] = b.Bar
			}
			result := validator.Validate(raw)
			for _, rej := range result.Rejected {
				reason := ""
				if len(rej.Errors) > 0 {
					reason = rej.Errors[0].Message
				}
				log.Warn().
					Str("symbol", rej.Bar.Symbol).
					Str("reason", reason).
					Time("session", rej.Bar.SessionDate).
					Msg("Bar rejected")
			}
			accepted := fetched[:0]
			valid := make(map[time.Time]struct{}, len(result.Valid))
			for _, b := range result.Valid {
				valid[bars.SessionDateOf(b.SessionDate)] = struct{}{}
			}
			for _, b := range fetched {
				if _, ok := valid[bars.SessionDateOf(b.SessionDate)]; ok {
					accepted = append(accepted, b)
				}
			}

			written, err := store.UpsertBars(ctx, accepted)
			if err != nil {
				sched.CompleteRequest(req, false, err)
				continue
			}
			log.Info().
				Str("symbol", req.Symbol).
				Str("provider", string(req.AssignedProvider)).
				Int("bars", written).
				Msg("Range archived")
			sched.CompleteRequest(req, true, nil)
		}
	}()

	for terminal < queued {
		select {
		case <-ctx.Done():
			return
		case req := <-sched.Completions():
			terminal++
			if req.Status == backfill.StatusFailed {
				log.Error().
					Str("symbol", req.Symbol).
					Str("error", req.Error).
					Msg("Request failed")
			}
		}
	}
}

func newResolveCmd() *cobra.Command {
	var exchange string
	cmd := &cobra.Command{
		Use:   "resolve TICKER [TICKER...]",
		Short: "Resolve tickers to FIGI identifiers via OpenFIGI",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			resolver := symbols.NewResolver(ratelimit.NewGovernor(), cfg.OpenFIGIKey)
			for _, ticker := range args {
				results, err := resolver.LookupByTicker(cmd.Context(), strings.ToUpper(ticker), exchange, "Equity")
				if err != nil {
					log.Error().Err(err).Str("ticker", ticker).Msg("Lookup failed")
					continue
				}
				for _, r := range results {
					fmt.Printf("%-8s %-14s %-10s %s\n", ticker, r.FIGI, r.ExchangeCode, r.Name)
				}
				if len(results) == 0 {
					fmt.Printf("%-8s no match\n", ticker)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&exchange, "exchange", "US", "OpenFIGI exchange code filter")
	return cmd
}

func newHealthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running plane's health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = "http://localhost" + cfg.Server.ListenAddr
			}
			resp, err := resty.New().SetTimeout(5 * time.Second).R().
				SetContext(cmd.Context()).
				Get(addr + "/health")
			if err != nil {
				return fmt.Errorf("health request: %w", err)
			}
			if resp.StatusCode() != 200 {
				return fmt.Errorf("health endpoint returned %d", resp.StatusCode())
			}
			var pretty json.RawMessage = resp.Body()
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "plane base URL (default from config listen_addr)")
	return cmd
}
