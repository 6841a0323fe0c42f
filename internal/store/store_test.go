package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/types"
)

type StoreTestSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (suite *StoreTestSuite) SetupTest() {
	path := filepath.Join(suite.T().TempDir(), "test.duckdb")

	store, err := NewStore(path, logger.NewNopLogger())
	suite.Require().NoError(err)

	suite.store = store
	suite.ctx = context.Background()
}

func (suite *StoreTestSuite) TearDownTest() {
	if suite.store != nil {
		suite.store.Close()
	}
}

func (suite *StoreTestSuite) sampleRecord(id string, createdAt time.Time) *types.RunRecord {
	return &types.RunRecord{
		ID:           id,
		StrategyID:   "strat-1",
		StrategyName: "crossover",
		Symbols:      []string{"AAPL"},
		StartDate:    "2024-01-01",
		EndDate:      "2024-06-30",
		Settings:     types.DefaultSettings(),
		Metrics: &types.Report{
			Equity: types.EquityMetrics{
				StartValue:     100000,
				EndValue:       110000,
				PnL:            10000,
				TotalReturnPct: 10,
			},
			Trades: types.TradeMetrics{Trades: 4, Exits: 2, WinRatePct: 50},
		},
		CreatedAt: createdAt,
	}
}

func (suite *StoreTestSuite) TestCreateAndGetStrategy() {
	created, err := suite.store.CreateStrategy(suite.ctx, "my strategy", "def strategy(stock, portfolio):\n    return None\n")
	suite.Require().NoError(err)
	suite.NotEmpty(created.ID)

	got, err := suite.store.GetStrategy(suite.ctx, created.ID)
	suite.Require().NoError(err)
	suite.Equal(created.Name, got.Name)
	suite.Equal(created.Code, got.Code)
}

func (suite *StoreTestSuite) TestGetStrategyNotFound() {
	_, err := suite.store.GetStrategy(suite.ctx, "missing")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *StoreTestSuite) TestDuplicateNameRejected() {
	_, err := suite.store.CreateStrategy(suite.ctx, "dup", "code-a")
	suite.Require().NoError(err)

	_, err = suite.store.CreateStrategy(suite.ctx, "dup", "code-b")
	suite.ErrorIs(err, ErrDuplicateName)
}

func (suite *StoreTestSuite) TestStrategiesOldestFirst() {
	first, err := suite.store.CreateStrategy(suite.ctx, "first", "a")
	suite.Require().NoError(err)

	second, err := suite.store.CreateStrategy(suite.ctx, "second", "b")
	suite.Require().NoError(err)

	all, err := suite.store.Strategies(suite.ctx)
	suite.Require().NoError(err)
	suite.Require().Len(all, 2)
	suite.Equal(first.ID, all[0].ID)
	suite.Equal(second.ID, all[1].ID)
}

func (suite *StoreTestSuite) TestUpdateStrategyPartial() {
	created, err := suite.store.CreateStrategy(suite.ctx, "original", "old code")
	suite.Require().NoError(err)

	// Empty name leaves it unchanged, code is replaced.
	updated, err := suite.store.UpdateStrategy(suite.ctx, created.ID, "", "new code")
	suite.Require().NoError(err)
	suite.Equal("original", updated.Name)
	suite.Equal("new code", updated.Code)

	got, err := suite.store.GetStrategy(suite.ctx, created.ID)
	suite.Require().NoError(err)
	suite.Equal("new code", got.Code)
}

func (suite *StoreTestSuite) TestUpdateStrategyNameCollision() {
	_, err := suite.store.CreateStrategy(suite.ctx, "taken", "a")
	suite.Require().NoError(err)

	other, err := suite.store.CreateStrategy(suite.ctx, "other", "b")
	suite.Require().NoError(err)

	_, err = suite.store.UpdateStrategy(suite.ctx, other.ID, "taken", "")
	suite.ErrorIs(err, ErrDuplicateName)
}

func (suite *StoreTestSuite) TestUpdateStrategyNotFound() {
	_, err := suite.store.UpdateStrategy(suite.ctx, "missing", "name", "code")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *StoreTestSuite) TestDeleteStrategy() {
	created, err := suite.store.CreateStrategy(suite.ctx, "doomed", "code")
	suite.Require().NoError(err)

	suite.Require().NoError(suite.store.DeleteStrategy(suite.ctx, created.ID))
	suite.ErrorIs(suite.store.DeleteStrategy(suite.ctx, created.ID), ErrNotFound)

	_, err = suite.store.GetStrategy(suite.ctx, created.ID)
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *StoreTestSuite) TestSaveAndGetRun() {
	record := suite.sampleRecord("run-1", time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	suite.Require().NoError(suite.store.SaveRun(suite.ctx, record))

	got, err := suite.store.GetRun(suite.ctx, "run-1")
	suite.Require().NoError(err)
	suite.Equal(record.StrategyName, got.StrategyName)
	suite.Equal(record.Symbols, got.Symbols)
	suite.Require().NotNil(got.Metrics)
	suite.InDelta(10000.0, got.Metrics.Equity.PnL, 1e-9)
}

func (suite *StoreTestSuite) TestGetRunNotFound() {
	_, err := suite.store.GetRun(suite.ctx, "missing")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *StoreTestSuite) TestListRunsNewestFirst() {
	older := suite.sampleRecord("run-old", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := suite.sampleRecord("run-new", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	suite.Require().NoError(suite.store.SaveRun(suite.ctx, older))
	suite.Require().NoError(suite.store.SaveRun(suite.ctx, newer))

	runs, err := suite.store.ListRuns(suite.ctx)
	suite.Require().NoError(err)
	suite.Require().Len(runs, 2)
	suite.Equal("run-new", runs[0].ID)
	suite.Equal("run-old", runs[1].ID)

	// Summaries lift the headline metrics out of the snapshot.
	suite.InDelta(10.0, runs[0].TotalReturnPct, 1e-9)
	suite.Equal(4, runs[0].Trades)
	suite.InDelta(50.0, runs[0].WinRatePct, 1e-9)
}

func (suite *StoreTestSuite) TestClearRuns() {
	suite.Require().NoError(suite.store.SaveRun(suite.ctx,
		suite.sampleRecord("run-1", time.Now().UTC())))

	suite.Require().NoError(suite.store.ClearRuns(suite.ctx))

	runs, err := suite.store.ListRuns(suite.ctx)
	suite.Require().NoError(err)
	suite.Empty(runs)
}

func (suite *StoreTestSuite) TestSettingsDefaultsWhenUnset() {
	settings, err := suite.store.GetSettings(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(types.DefaultSettings(), settings)
}

func (suite *StoreTestSuite) TestSaveAndGetSettings() {
	settings := types.DefaultSettings()
	settings.InitialCash = 250000
	settings.AllowShort = false

	suite.Require().NoError(suite.store.SaveSettings(suite.ctx, settings))

	got, err := suite.store.GetSettings(suite.ctx)
	suite.Require().NoError(err)
	suite.InDelta(250000.0, got.InitialCash, 1e-9)
	suite.False(got.AllowShort)
	// Untouched keys keep their defaults.
	suite.InDelta(1.5, got.ShortMarginRequirement, 1e-9)
}

func (suite *StoreTestSuite) TestSaveSettingsUpserts() {
	first := types.DefaultSettings()
	first.InitialCash = 1

	second := types.DefaultSettings()
	second.InitialCash = 2

	suite.Require().NoError(suite.store.SaveSettings(suite.ctx, first))
	suite.Require().NoError(suite.store.SaveSettings(suite.ctx, second))

	got, err := suite.store.GetSettings(suite.ctx)
	suite.Require().NoError(err)
	suite.InDelta(2.0, got.InitialCash, 1e-9)
}

func (suite *StoreTestSuite) TestReopenKeepsSchemaVersion() {
	path := filepath.Join(suite.T().TempDir(), "reopen.duckdb")

	store, err := NewStore(path, logger.NewNopLogger())
	suite.Require().NoError(err)

	_, err = store.CreateStrategy(suite.ctx, "persisted", "code")
	suite.Require().NoError(err)
	suite.Require().NoError(store.Close())

	reopened, err := NewStore(path, logger.NewNopLogger())
	suite.Require().NoError(err)
	defer reopened.Close()

	all, err := reopened.Strategies(suite.ctx)
	suite.Require().NoError(err)
	suite.Len(all, 1)
}
