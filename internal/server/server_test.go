package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/stratlab-hq/stratlab/internal/config"
	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/store"
	"github.com/stratlab-hq/stratlab/internal/types"
)

const validStrategy = `
def strategy(stock, portfolio):
    state = {"bought": False}

    def update(o, h, l, c, i):
        if not state["bought"]:
            portfolio.enter_position_long(stock, 10, i)
            state["bought"] = True

    return {"update": update}
`

type stubProvider struct {
	candles map[string][]types.Candle
}

func (p *stubProvider) Candles(_ context.Context, symbol, _, _ string) ([]types.Candle, error) {
	if c, ok := p.candles[symbol]; ok {
		return c, nil
	}

	return nil, fmt.Errorf("symbol %s: %w", symbol, types.ErrDataUnavailable)
}

type ServerTestSuite struct {
	suite.Suite
	server *Server
	store  *store.Store
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (suite *ServerTestSuite) SetupTest() {
	log := logger.NewNopLogger()

	st, err := store.NewStore(filepath.Join(suite.T().TempDir(), "test.duckdb"), log)
	suite.Require().NoError(err)
	suite.store = st

	cfg := config.Default()
	cfg.Data.StorePath = "unused"
	cfg.Data.CandlePath = "unused"

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, 30)

	price := 100.0
	for i := range candles {
		if i%2 == 0 {
			price *= 1.01
		} else {
			price *= 0.996
		}

		candles[i] = types.Candle{
			Time:  base.AddDate(0, 0, i),
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		}
	}

	provider := &stubProvider{candles: map[string][]types.Candle{"AAPL": candles}}

	suite.server = New(cfg, st, provider, log)
}

func (suite *ServerTestSuite) TearDownTest() {
	if suite.store != nil {
		suite.store.Close()
	}
}

func (suite *ServerTestSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		suite.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	suite.server.httpServer.Handler.ServeHTTP(rec, req)

	return rec
}

func (suite *ServerTestSuite) decodeBody(rec *httptest.ResponseRecorder, v any) {
	suite.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v))
}

func (suite *ServerTestSuite) createStrategy(name string) types.StrategySource {
	rec := suite.do("POST", "/api/v1/strategies", map[string]string{
		"name": name,
		"code": validStrategy,
	})
	suite.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	var st types.StrategySource
	suite.decodeBody(rec, &st)

	return st
}

func (suite *ServerTestSuite) TestHealth() {
	rec := suite.do("GET", "/api/v1/health", nil)
	suite.Equal(http.StatusOK, rec.Code)
	suite.Contains(rec.Body.String(), "ok")
}

func (suite *ServerTestSuite) TestIndicators() {
	rec := suite.do("GET", "/api/v1/indicators", nil)
	suite.Equal(http.StatusOK, rec.Code)

	var out struct {
		Indicators []string `json:"indicators"`
	}
	suite.decodeBody(rec, &out)
	suite.Len(out.Indicators, 6)
}

func (suite *ServerTestSuite) TestCreateStrategy() {
	st := suite.createStrategy("crossover")
	suite.NotEmpty(st.ID)
	suite.Equal("crossover", st.Name)
}

func (suite *ServerTestSuite) TestCreateStrategyInvalidCode() {
	rec := suite.do("POST", "/api/v1/strategies", map[string]string{
		"name": "bad",
		"code": "x = open\n",
	})
	suite.Equal(http.StatusBadRequest, rec.Code)
	suite.Contains(rec.Body.String(), "not allowed")
}

func (suite *ServerTestSuite) TestCreateStrategyMissingName() {
	rec := suite.do("POST", "/api/v1/strategies", map[string]string{"code": validStrategy})
	suite.Equal(http.StatusBadRequest, rec.Code)
}

func (suite *ServerTestSuite) TestCreateStrategyDuplicateName() {
	suite.createStrategy("dup")

	rec := suite.do("POST", "/api/v1/strategies", map[string]string{
		"name": "dup",
		"code": validStrategy,
	})
	suite.Equal(http.StatusConflict, rec.Code)
}

func (suite *ServerTestSuite) TestListStrategies() {
	suite.createStrategy("one")
	suite.createStrategy("two")

	rec := suite.do("GET", "/api/v1/strategies", nil)
	suite.Equal(http.StatusOK, rec.Code)

	var out struct {
		Strategies []types.StrategySource `json:"strategies"`
	}
	suite.decodeBody(rec, &out)
	suite.Len(out.Strategies, 2)
}

func (suite *ServerTestSuite) TestUpdateStrategyNotFound() {
	rec := suite.do("PUT", "/api/v1/strategies/missing", map[string]string{"name": "x"})
	suite.Equal(http.StatusNotFound, rec.Code)
}

func (suite *ServerTestSuite) TestDeleteStrategy() {
	st := suite.createStrategy("doomed")

	rec := suite.do("DELETE", "/api/v1/strategies/"+st.ID, nil)
	suite.Equal(http.StatusOK, rec.Code)

	rec = suite.do("DELETE", "/api/v1/strategies/"+st.ID, nil)
	suite.Equal(http.StatusNotFound, rec.Code)
}

func (suite *ServerTestSuite) TestBacktestFlow() {
	st := suite.createStrategy("runner")

	rec := suite.do("POST", "/api/v1/backtest", map[string]any{
		"strategy_id": st.ID,
		"symbols":     []string{"AAPL"},
		"start_date":  "2024-01-01",
		"end_date":    "2024-01-30",
	})
	suite.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var record types.RunRecord
	suite.decodeBody(rec, &record)
	suite.NotEmpty(record.ID)
	suite.Equal([]string{"AAPL"}, record.Symbols)
	suite.Require().Len(record.Results, 1)
	suite.Empty(record.Results[0].Error)
	suite.NotNil(record.Metrics)

	// The snapshot is persisted and listable.
	listRec := suite.do("GET", "/api/v1/runs", nil)
	suite.Equal(http.StatusOK, listRec.Code)

	var out struct {
		Runs []store.RunSummary `json:"runs"`
	}
	suite.decodeBody(listRec, &out)
	suite.Require().Len(out.Runs, 1)
	suite.Equal(record.ID, out.Runs[0].ID)

	getRec := suite.do("GET", "/api/v1/runs/"+record.ID, nil)
	suite.Equal(http.StatusOK, getRec.Code)
}

func (suite *ServerTestSuite) TestBacktestUnknownStrategy() {
	rec := suite.do("POST", "/api/v1/backtest", map[string]any{
		"strategy_id": "missing",
		"symbols":     []string{"AAPL"},
		"start_date":  "2024-01-01",
		"end_date":    "2024-01-30",
	})
	suite.Equal(http.StatusNotFound, rec.Code)
}

func (suite *ServerTestSuite) TestMonteCarloFlow() {
	st := suite.createStrategy("mc")

	rec := suite.do("POST", "/api/v1/montecarlo", map[string]any{
		"strategy_id": st.ID,
		"symbol":      "AAPL",
		"start_date":  "2024-01-01",
		"end_date":    "2024-01-30",
		"n_sims":      10,
		"horizon":     21,
		"seed":        7,
	})
	suite.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		NSims    int   `json:"n_sims"`
		NSuccess int   `json:"n_success"`
		Seed     int64 `json:"seed"`
	}
	suite.decodeBody(rec, &out)
	suite.Equal(10, out.NSims)
	suite.Equal(10, out.NSuccess)
	suite.Equal(int64(7), out.Seed)
}

func (suite *ServerTestSuite) TestMonteCarloUnknownSymbol() {
	st := suite.createStrategy("mc-bad")

	rec := suite.do("POST", "/api/v1/montecarlo", map[string]any{
		"strategy_id": st.ID,
		"symbol":      "NOPE",
		"start_date":  "2024-01-01",
		"end_date":    "2024-01-30",
	})
	suite.Equal(http.StatusNotFound, rec.Code)
}

func (suite *ServerTestSuite) TestClearRuns() {
	st := suite.createStrategy("clearer")

	rec := suite.do("POST", "/api/v1/backtest", map[string]any{
		"strategy_id": st.ID,
		"symbols":     []string{"AAPL"},
		"start_date":  "2024-01-01",
		"end_date":    "2024-01-30",
	})
	suite.Require().Equal(http.StatusOK, rec.Code)

	suite.Equal(http.StatusOK, suite.do("DELETE", "/api/v1/runs", nil).Code)

	var out struct {
		Runs []store.RunSummary `json:"runs"`
	}
	suite.decodeBody(suite.do("GET", "/api/v1/runs", nil), &out)
	suite.Empty(out.Runs)
}

func (suite *ServerTestSuite) TestGetRunNotFound() {
	rec := suite.do("GET", "/api/v1/runs/missing", nil)
	suite.Equal(http.StatusNotFound, rec.Code)
}

func (suite *ServerTestSuite) TestSettingsRoundTrip() {
	rec := suite.do("GET", "/api/v1/settings", nil)
	suite.Equal(http.StatusOK, rec.Code)

	var settings types.Settings
	suite.decodeBody(rec, &settings)
	suite.Equal(types.DefaultSettings(), settings)

	settings.InitialCash = 250000
	settings.AllowShort = false

	putRec := suite.do("PUT", "/api/v1/settings", settings)
	suite.Equal(http.StatusOK, putRec.Code)

	var updated types.Settings
	suite.decodeBody(suite.do("GET", "/api/v1/settings", nil), &updated)
	suite.InDelta(250000.0, updated.InitialCash, 1e-9)
	suite.False(updated.AllowShort)
}

func (suite *ServerTestSuite) TestPutSettingsRejectsInvalid() {
	settings := types.DefaultSettings()
	settings.InitialCash = -5

	rec := suite.do("PUT", "/api/v1/settings", settings)
	suite.Equal(http.StatusBadRequest, rec.Code)
}

func (suite *ServerTestSuite) TestSettingsSchema() {
	rec := suite.do("GET", "/api/v1/settings/schema", nil)
	suite.Equal(http.StatusOK, rec.Code)

	var schema map[string]any
	suite.decodeBody(rec, &schema)
	suite.Contains(schema, "properties")
}
