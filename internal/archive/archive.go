// Package archive persists validated historical bars to Postgres and
// answers the gap-analysis queries the backfill scheduler needs.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/bars"
)

const schema = `
CREATE TABLE IF NOT EXISTS daily_bars (
    symbol          TEXT        NOT NULL,
    session_date    DATE        NOT NULL,
    open            NUMERIC     NOT NULL,
    high            NUMERIC     NOT NULL,
    low             NUMERIC     NOT NULL,
    close           NUMERIC     NOT NULL,
    volume          BIGINT      NOT NULL,
    source          TEXT        NOT NULL,
    sequence_number BIGINT      NOT NULL DEFAULT 0,
    adj_open        NUMERIC,
    adj_high        NUMERIC,
    adj_low         NUMERIC,
    adj_close       NUMERIC,
    adj_volume      BIGINT,
    split_factor    NUMERIC,
    dividend_amount NUMERIC,
    inserted_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (symbol, session_date)
);
CREATE INDEX IF NOT EXISTS idx_daily_bars_session_date ON daily_bars (session_date);
`

const upsertBar = `
INSERT INTO daily_bars (
    symbol, session_date, open, high, low, close, volume, source, sequence_number,
    adj_open, adj_high, adj_low, adj_close, adj_volume, split_factor, dividend_amount
) VALUES (
    :symbol, :session_date, :open, :high, :low, :close, :volume, :source, :sequence_number,
    :adj_open, :adj_high, :adj_low, :adj_close, :adj_volume, :split_factor, :dividend_amount
)
ON CONFLICT (symbol, session_date) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    source = EXCLUDED.source,
    sequence_number = EXCLUDED.sequence_number,
    adj_open = EXCLUDED.adj_open,
    adj_high = EXCLUDED.adj_high,
    adj_low = EXCLUDED.adj_low,
    adj_close = EXCLUDED.adj_close,
    adj_volume = EXCLUDED.adj_volume,
    split_factor = EXCLUDED.split_factor,
    dividend_amount = EXCLUDED.dividend_amount
`

// BarArchive is the Postgres-backed daily-bar store.
type BarArchive struct {
	db *sqlx.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*BarArchive, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect bar archive: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &BarArchive{db: db}, nil
}

// NewBarArchive wraps an existing connection, for tests.
func NewBarArchive(db *sqlx.DB) *BarArchive {
	return &BarArchive{db: db}
}

// Migrate creates the schema when missing.
func (a *BarArchive) Migrate(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate bar archive: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (a *BarArchive) Close() error { return a.db.Close() }

// UpsertBars writes a validated batch, replacing existing rows for the same
// (symbol, session_date). Returns the number of rows written.
func (a *BarArchive) UpsertBars(ctx context.Context, batch []bars.AdjustedBar) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, upsertBar)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, bar := range batch {
		if _, err := stmt.ExecContext(ctx, bar); err != nil {
			return written, fmt.Errorf("upsert %s %s: %w",
				bar.Symbol, bar.SessionDate.Format("2006-01-02"), err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return written, fmt.Errorf("commit upsert: %w", err)
	}

	log.Debug().Int("bars", written).Msg("Bar batch archived")
	return written, nil
}

// ExistingDates returns the set of session dates already archived for a
// symbol inside [from, to]. The backfill gap analysis keys off it.
func (a *BarArchive) ExistingDates(ctx context.Context, symbol string, from, to time.Time) (map[time.Time]struct{}, error) {
	rows, err := a.db.QueryxContext(ctx,
		`SELECT session_date FROM daily_bars
		 WHERE symbol = $1 AND session_date BETWEEN $2 AND $3`,
		symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("query existing dates for %s: %w", symbol, err)
	}
	defer rows.Close()

	out := make(map[time.Time]struct{})
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan session date: %w", err)
		}
		out[bars.SessionDateOf(d)] = struct{}{}
	}
	return out, rows.Err()
}

// LatestSessionDate returns the most recent archived date for a symbol. The
// second return is false when the symbol has no bars.
func (a *BarArchive) LatestSessionDate(ctx context.Context, symbol string) (time.Time, bool, error) {
	var d sql.NullTime
	err := a.db.GetContext(ctx, &d,
		`SELECT MAX(session_date) FROM daily_bars WHERE symbol = $1`, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query latest session date for %s: %w", symbol, err)
	}
	if !d.Valid {
		return time.Time{}, false, nil
	}
	return bars.SessionDateOf(d.Time), true, nil
}

// BarCount returns the archived row count for a symbol.
func (a *BarArchive) BarCount(ctx context.Context, symbol string) (int, error) {
	var n int
	err := a.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM daily_bars WHERE symbol = $1`, symbol)
	if err != nil {
		return 0, fmt.Errorf("count bars for %s: %w", symbol, err)
	}
	return n, nil
}
