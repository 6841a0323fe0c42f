// Package store persists strategies, run snapshots and settings in DuckDB.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/types"
	"go.uber.org/zap"
)

// schemaVersion is persisted on first open. A stored version with a
// different major is refused rather than migrated.
const schemaVersion = "1.0.0"

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName means a strategy with that name already exists.
	ErrDuplicateName = errors.New("a strategy with this name already exists")
)

type Store struct {
	db  *sql.DB
	log *logger.Logger
	sq  squirrel.StatementBuilderType
}

func NewStore(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, err
	}

	s := &Store{
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

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_meta (
			version VARCHAR NOT NULL
		);
		CREATE TABLE IF NOT EXISTS strategies (
			id VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL UNIQUE,
			code VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			record VARCHAR NOT NULL
		);
		CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY,
			data VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return s.checkSchemaVersion()
}

func (s *Store) checkSchemaVersion() error {
	var stored string

	err := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec(`INSERT INTO schema_meta (version) VALUES ($1)`, schemaVersion)

		return err
	}

	if err != nil {
		return err
	}

	storedV, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("invalid stored schema version %q: %w", stored, err)
	}

	currentV := semver.MustParse(schemaVersion)
	if storedV.Major() != currentV.Major() {
		return fmt.Errorf("incompatible schema version %s, this build expects %s", stored, schemaVersion)
	}

	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Strategies returns every saved strategy, oldest first.
func (s *Store) Strategies(ctx context.Context) ([]types.StrategySource, error) {
	query, args, err := s.sq.
		Select("id", "name", "code", "created_at", "updated_at").
		From("strategies").
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []types.StrategySource

	for rows.Next() {
		var st types.StrategySource
		if err := rows.Scan(&st.ID, &st.Name, &st.Code, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, err
		}

		out = append(out, st)
	}

	return out, rows.Err()
}

// GetStrategy returns one strategy by id.
func (s *Store) GetStrategy(ctx context.Context, id string) (*types.StrategySource, error) {
	query, args, err := s.sq.
		Select("id", "name", "code", "created_at", "updated_at").
		From("strategies").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var st types.StrategySource

	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&st.ID, &st.Name, &st.Code, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &st, nil
}

func (s *Store) nameTaken(ctx context.Context, name, excludeID string) (bool, error) {
	builder := s.sq.
		Select("COUNT(*)").
		From("strategies").
		Where(squirrel.Eq{"name": name})

	if excludeID != "" {
		builder = builder.Where(squirrel.NotEq{"id": excludeID})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return false, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, err
	}

	return count > 0, nil
}

// CreateStrategy saves a new strategy. Names are unique across the store.
func (s *Store) CreateStrategy(ctx context.Context, name, code string) (*types.StrategySource, error) {
	taken, err := s.nameTaken(ctx, name, "")
	if err != nil {
		return nil, err
	}

	if taken {
		return nil, ErrDuplicateName
	}

	now := time.Now().UTC()
	st := types.StrategySource{
		ID:        uuid.NewString(),
		Name:      name,
		Code:      code,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query, args, err := s.sq.
		Insert("strategies").
		Columns("id", "name", "code", "created_at", "updated_at").
		Values(st.ID, st.Name, st.Code, st.CreatedAt, st.UpdatedAt).
		ToSql()
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to insert strategy: %w", err)
	}

	return &st, nil
}

// UpdateStrategy replaces name and/or code of an existing strategy. Empty
// arguments leave the field unchanged.
func (s *Store) UpdateStrategy(ctx context.Context, id, name, code string) (*types.StrategySource, error) {
	st, err := s.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}

	if name != "" && name != st.Name {
		taken, err := s.nameTaken(ctx, name, id)
		if err != nil {
			return nil, err
		}

		if taken {
			return nil, ErrDuplicateName
		}

		st.Name = name
	}

	if code != "" {
		st.Code = code
	}

	st.UpdatedAt = time.Now().UTC()

	query, args, err := s.sq.
		Update("strategies").
		Set("name", st.Name).
		Set("code", st.Code).
		Set("updated_at", st.UpdatedAt).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update strategy: %w", err)
	}

	return st, nil
}

// DeleteStrategy removes a strategy by id.
func (s *Store) DeleteStrategy(ctx context.Context, id string) error {
	query, args, err := s.sq.
		Delete("strategies").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveRun persists an immutable run snapshot.
func (s *Store) SaveRun(ctx context.Context, record *types.RunRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode run record: %w", err)
	}

	query, args, err := s.sq.
		Insert("runs").
		Columns("id", "created_at", "record").
		Values(record.ID, record.CreatedAt, string(payload)).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	return nil
}

// RunSummary is the listing view of a run snapshot.
type RunSummary struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	StrategyID     string    `json:"strategy_id"`
	StrategyName   string    `json:"strategy_name"`
	Symbols        []string  `json:"symbols"`
	StartDate      string    `json:"start_date"`
	EndDate        string    `json:"end_date"`
	StartValue     float64   `json:"start_value"`
	EndValue       float64   `json:"end_value"`
	PnL            float64   `json:"pnl"`
	TotalReturnPct float64   `json:"total_return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Trades         int       `json:"trades"`
	Exits          int       `json:"exits"`
	WinRatePct     float64   `json:"win_rate_pct"`
}

// ListRuns returns up to types.MaxRunRecords summaries, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	query, args, err := s.sq.
		Select("record").
		From("runs").
		OrderBy("created_at DESC").
		Limit(types.MaxRunRecords).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}

		var record types.RunRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			s.log.Warn("skipping undecodable run record", zap.Error(err))

			continue
		}

		out = append(out, summarize(&record))
	}

	return out, rows.Err()
}

func summarize(record *types.RunRecord) RunSummary {
	sum := RunSummary{
		ID:           record.ID,
		CreatedAt:    record.CreatedAt,
		StrategyID:   record.StrategyID,
		StrategyName: record.StrategyName,
		Symbols:      record.Symbols,
		StartDate:    record.StartDate,
		EndDate:      record.EndDate,
	}

	if record.Metrics != nil {
		sum.StartValue = record.Metrics.Equity.StartValue
		sum.EndValue = record.Metrics.Equity.EndValue
		sum.PnL = record.Metrics.Equity.PnL
		sum.TotalReturnPct = record.Metrics.Equity.TotalReturnPct
		sum.MaxDrawdownPct = record.Metrics.Equity.MaxDrawdownPct
		sum.Trades = record.Metrics.Trades.Trades
		sum.Exits = record.Metrics.Trades.Exits
		sum.WinRatePct = record.Metrics.Trades.WinRatePct
	}

	return sum
}

// GetRun returns one full run snapshot by id.
func (s *Store) GetRun(ctx context.Context, id string) (*types.RunRecord, error) {
	query, args, err := s.sq.
		Select("record").
		From("runs").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var payload string

	err = s.db.QueryRowContext(ctx, query, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	var record types.RunRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to decode run record: %w", err)
	}

	return &record, nil
}

// ClearRuns deletes every run snapshot.
func (s *Store) ClearRuns(ctx context.Context) error {
	query, args, err := s.sq.Delete("runs").ToSql()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)

	return err
}

// GetSettings returns the persisted settings merged over defaults, so new
// keys always carry their default.
func (s *Store) GetSettings(ctx context.Context) (types.Settings, error) {
	settings := types.DefaultSettings()

	var payload string

	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}

	if err != nil {
		return settings, err
	}

	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return types.DefaultSettings(), fmt.Errorf("failed to decode settings: %w", err)
	}

	return settings, nil
}

// SaveSettings replaces the persisted settings.
func (s *Store) SaveSettings(ctx context.Context, settings types.Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, data, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(payload), time.Now().UTC())

	return err
}
