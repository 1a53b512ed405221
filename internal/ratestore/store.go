// Package ratestore is the read API over the funding-rate collection
// service's SQLite database. The collection service itself runs out of
// process; this package only issues queries, plus the upsert used by the
// optional in-process feed subscriber.
package ratestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements core.IRateSource over SQLite.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

const schema = `
CREATE TABLE IF NOT EXISTS funding_rates (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	venue             TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	raw_rate          TEXT NOT NULL,
	normalized_rate   TEXT NOT NULL,
	interval_hours    INTEGER NOT NULL,
	next_funding_time TIMESTAMP,
	observed_at       TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rates_venue_symbol_time
	ON funding_rates(venue, symbol, observed_at DESC);

CREATE TABLE IF NOT EXISTS market_info (
	venue             TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	volume_24h_usd    TEXT NOT NULL DEFAULT '0',
	open_interest_usd TEXT NOT NULL DEFAULT '0',
	max_leverage      TEXT NOT NULL DEFAULT '0',
	updated_at        TIMESTAMP NOT NULL,
	PRIMARY KEY (venue, symbol)
);
`

// NewStore opens the rate database at path.
func NewStore(path string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open rate database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create rate schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.WithField("component", "rate_store"),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert records one observed sample. Used by the feed subscriber.
func (s *Store) Insert(ctx context.Context, sample core.FundingRateSample) error {
	var next interface{}
	if !sample.NextFundingTime.IsZero() {
		next = sample.NextFundingTime
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funding_rates (venue, symbol, raw_rate, normalized_rate, interval_hours, next_funding_time, observed_at)
		VALUES (?,?,?,?,?,?,?)`,
		sample.Venue, sample.Symbol, sample.RawRate.String(), sample.NormalizedRate.String(),
		sample.IntervalHours, next, sample.ObservedAt)
	if err != nil {
		return fmt.Errorf("insert rate sample: %w", apperrors.ErrPersistence)
	}
	return nil
}

// UpsertMarketInfo records market data for a (venue, symbol) pair.
func (s *Store) UpsertMarketInfo(ctx context.Context, info core.MarketInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_info (venue, symbol, volume_24h_usd, open_interest_usd, max_leverage, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(venue, symbol) DO UPDATE SET
			volume_24h_usd = excluded.volume_24h_usd,
			open_interest_usd = excluded.open_interest_usd,
			max_leverage = excluded.max_leverage,
			updated_at = excluded.updated_at`,
		info.Venue, info.Symbol, info.Volume24hUSD.String(), info.OpenInterestUSD.String(),
		info.MaxLeverage.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert market info: %w", apperrors.ErrPersistence)
	}
	return nil
}

// LatestRates implements core.IRateSource: the most recent sample per
// (venue, symbol) no older than maxAge.
func (s *Store) LatestRates(ctx context.Context, venues []string, maxAge time.Duration) ([]core.FundingRateSample, error) {
	if len(venues) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT fr.venue, fr.symbol, fr.raw_rate, fr.normalized_rate, fr.interval_hours, fr.next_funding_time, fr.observed_at
		FROM funding_rates fr
		JOIN (
			SELECT venue, symbol, MAX(observed_at) AS latest
			FROM funding_rates
			WHERE venue IN (%s) AND observed_at >= ?
			GROUP BY venue, symbol
		) last ON fr.venue = last.venue AND fr.symbol = last.symbol AND fr.observed_at = last.latest
		ORDER BY fr.symbol, fr.venue`,
		placeholders(len(venues)))

	args := make([]interface{}, 0, len(venues)+1)
	for _, v := range venues {
		args = append(args, v)
	}
	args = append(args, time.Now().UTC().Add(-maxAge))

	return s.querySamples(ctx, query, args...)
}

// RatesFor implements core.IRateSource: the most recent sample per venue
// for one symbol, regardless of age. Staleness is the caller's call here;
// the monitor phase wants the freshest view it can get.
func (s *Store) RatesFor(ctx context.Context, venues []string, symbol string) ([]core.FundingRateSample, error) {
	if len(venues) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT fr.venue, fr.symbol, fr.raw_rate, fr.normalized_rate, fr.interval_hours, fr.next_funding_time, fr.observed_at
		FROM funding_rates fr
		JOIN (
			SELECT venue, MAX(observed_at) AS latest
			FROM funding_rates
			WHERE venue IN (%s) AND symbol = ?
			GROUP BY venue
		) last ON fr.venue = last.venue AND fr.observed_at = last.latest
		WHERE fr.symbol = ?
		ORDER BY fr.venue`,
		placeholders(len(venues)))

	args := make([]interface{}, 0, len(venues)+2)
	for _, v := range venues {
		args = append(args, v)
	}
	args = append(args, symbol, symbol)

	return s.querySamples(ctx, query, args...)
}

// MarketInfo implements core.IRateSource.
func (s *Store) MarketInfo(ctx context.Context, venue, symbol string) (*core.MarketInfo, error) {
	var volume, oi, lev string
	err := s.db.QueryRowContext(ctx, `
		SELECT volume_24h_usd, open_interest_usd, max_leverage
		FROM market_info WHERE venue = ? AND symbol = ?`, venue, symbol).
		Scan(&volume, &oi, &lev)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("market info for %s %s: %w", venue, symbol, apperrors.ErrSymbolUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("read market info: %w", apperrors.ErrPersistence)
	}

	info := &core.MarketInfo{Venue: venue, Symbol: symbol}
	if info.Volume24hUSD, err = decimal.NewFromString(volume); err != nil {
		return nil, err
	}
	if info.OpenInterestUSD, err = decimal.NewFromString(oi); err != nil {
		return nil, err
	}
	if info.MaxLeverage, err = decimal.NewFromString(lev); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *Store) querySamples(ctx context.Context, query string, args ...interface{}) ([]core.FundingRateSample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rates: %w", apperrors.ErrPersistence)
	}
	defer rows.Close()

	var out []core.FundingRateSample
	for rows.Next() {
		var sample core.FundingRateSample
		var raw, norm string
		var next sql.NullTime
		if err := rows.Scan(&sample.Venue, &sample.Symbol, &raw, &norm, &sample.IntervalHours, &next, &sample.ObservedAt); err != nil {
			return nil, err
		}
		if sample.RawRate, err = decimal.NewFromString(raw); err != nil {
			return nil, err
		}
		if sample.NormalizedRate, err = decimal.NewFromString(norm); err != nil {
			return nil, err
		}
		if next.Valid {
			sample.NextFundingTime = next.Time
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
