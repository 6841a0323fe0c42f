package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/types"
	"go.uber.org/zap"
)

// DuckDBSource is a local candle store. It can serve backtests directly or
// sit behind a CachedProvider as the cache tier.
type DuckDBSource struct {
	db  *sql.DB
	log *logger.Logger
	sq  squirrel.StatementBuilderType
}

func NewDuckDBSource(path string, log *logger.Logger) (*DuckDBSource, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, err
	}

	s := &DuckDBSource{
		db:  db,
		log: log,
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}

	if err := s.initialize(); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

func (s *DuckDBSource) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR NOT NULL,
			time TIMESTAMP NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			PRIMARY KEY (symbol, time)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create candles table: %w", err)
	}

	return nil
}

// Candles implements Provider, reading from the local store only.
func (s *DuckDBSource) Candles(ctx context.Context, symbol, start, end string) ([]types.Candle, error) {
	startT, err := time.Parse("2006-01-02", start)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", start, err)
	}

	endT, err := time.Parse("2006-01-02", end)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", end, err)
	}

	query, args, err := s.sq.
		Select("time", "open", "high", "low", "close").
		From("candles").
		Where(squirrel.Eq{"symbol": symbol}).
		Where(squirrel.GtOrEq{"time": startT}).
		Where(squirrel.Lt{"time": endT.Add(24 * time.Hour)}).
		OrderBy("time ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []types.Candle

	for rows.Next() {
		var c types.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}

		candles = append(candles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return candles, nil
}

// SaveCandles upserts candles for one symbol.
func (s *DuckDBSource) SaveCandles(ctx context.Context, symbol string, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insert := s.sq.
		Insert("candles").
		Columns("symbol", "time", "open", "high", "low", "close")

	for _, c := range candles {
		insert = insert.Values(symbol, c.Time, c.Open, c.High, c.Low, c.Close)
	}

	query, args, err := insert.
		Suffix("ON CONFLICT (symbol, time) DO UPDATE SET open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert candles: %w", err)
	}

	return tx.Commit()
}

// Count returns how many candles the store holds for symbol in the window.
func (s *DuckDBSource) Count(ctx context.Context, symbol, start, end string) (int, error) {
	startT, err := time.Parse("2006-01-02", start)
	if err != nil {
		return 0, err
	}

	endT, err := time.Parse("2006-01-02", end)
	if err != nil {
		return 0, err
	}

	query, args, err := s.sq.
		Select("COUNT(*)").
		From("candles").
		Where(squirrel.Eq{"symbol": symbol}).
		Where(squirrel.GtOrEq{"time": startT}).
		Where(squirrel.Lt{"time": endT.Add(24 * time.Hour)}).
		ToSql()
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}

	return count, nil
}

func (s *DuckDBSource) Close() error { return s.db.Close() }

// CachedProvider serves candles from the local store and falls back to the
// remote provider on a miss, persisting what it fetched.
type CachedProvider struct {
	remote Provider
	store  *DuckDBSource
	log    *logger.Logger
}

func NewCachedProvider(remote Provider, store *DuckDBSource, log *logger.Logger) *CachedProvider {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &CachedProvider{remote: remote, store: store, log: log}
}

// Candles implements Provider.
func (c *CachedProvider) Candles(ctx context.Context, symbol, start, end string) ([]types.Candle, error) {
	cached, err := c.store.Candles(ctx, symbol, start, end)
	if err == nil && len(cached) > 0 {
		return cached, nil
	}

	if err != nil {
		c.log.Warn("candle store read failed, falling back to remote",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}

	fetched, err := c.remote.Candles(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}

	if err := c.store.SaveCandles(ctx, symbol, fetched); err != nil {
		c.log.Warn("failed to cache fetched candles",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
	}

	return fetched, nil
}
