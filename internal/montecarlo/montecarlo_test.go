package montecarlo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/types"
)

const holdCashSource = `
def strategy(stock, portfolio):
    return None
`

type MonteCarloTestSuite struct {
	suite.Suite
	log *logger.Logger
}

func TestMonteCarloSuite(t *testing.T) {
	suite.Run(t, new(MonteCarloTestSuite))
}

func (suite *MonteCarloTestSuite) SetupSuite() {
	suite.log = logger.NewNopLogger()
}

func (suite *MonteCarloTestSuite) newStock(n int) *market.Stock {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	candles := make([]types.Candle, n)
	price := 100.0

	for i := range candles {
		// Alternate small up and down moves for a nonempty return sample.
		if i%2 == 0 {
			price *= 1.01
		} else {
			price *= 0.995
		}

		candles[i] = types.Candle{
			Time:  base.AddDate(0, 0, i),
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		}
	}

	s, err := market.NewStock("TEST", candles)
	suite.Require().NoError(err)

	return s
}

func (suite *MonteCarloTestSuite) request() Request {
	return Request{
		Code:     holdCashSource,
		NSims:    10,
		Horizon:  21,
		Settings: types.DefaultSettings(),
		Seed:     42,
	}
}

func (suite *MonteCarloTestSuite) TestRunAggregates() {
	engine := NewEngine(suite.log, 2)
	stock := suite.newStock(30)

	res, err := engine.Run(context.Background(), stock, suite.request())
	suite.Require().NoError(err)

	suite.Equal("TEST", res.Symbol)
	suite.Equal(10, res.NSims)
	suite.Equal(10, res.NSuccess)
	suite.Equal(0, res.NErrors)
	suite.Equal(21, res.Horizon)
	suite.Equal(int64(42), res.Seed)
	suite.Len(res.EndValues, 10)

	// A strategy that never trades ends every path at initial cash.
	for _, v := range res.EndValues {
		suite.InDelta(100000.0, v, 1e-9)
	}

	suite.InDelta(100000.0, res.Mean, 1e-9)
	suite.InDelta(100.0, res.ProbProfitPct, 1e-9)
	suite.InDelta(100000.0, res.Percentiles["p50"], 1e-9)
}

func (suite *MonteCarloTestSuite) TestFixedSeedIsReproducible() {
	engine := NewEngine(suite.log, 4)
	stock := suite.newStock(30)

	code := `
def strategy(stock, portfolio):
    state = {"bought": False}

    def update(o, h, l, c, i):
        if not state["bought"]:
            portfolio.enter_position_long(stock, 100, i)
            state["bought"] = True

    return {"update": update}
`

	req := suite.request()
	req.Code = code

	first, err := engine.Run(context.Background(), stock, req)
	suite.Require().NoError(err)

	second, err := engine.Run(context.Background(), stock, req)
	suite.Require().NoError(err)

	suite.Equal(first.Mean, second.Mean)
	suite.Equal(first.Percentiles, second.Percentiles)

	// Simulation order, not scheduling order: the slices must match exactly.
	suite.Equal(first.EndValues, second.EndValues)
	suite.Equal(first.FanData, second.FanData)
}

func (suite *MonteCarloTestSuite) TestBoundsClamped() {
	engine := NewEngine(suite.log, 2)
	stock := suite.newStock(30)

	req := suite.request()
	req.NSims = 1
	req.Horizon = 5

	res, err := engine.Run(context.Background(), stock, req)
	suite.Require().NoError(err)
	suite.Equal(MinSims, res.NSims)
	suite.Equal(MinHorizon, res.Horizon)

	req.NSims = 10000
	req.Horizon = 10000

	res, err = engine.Run(context.Background(), stock, req)
	suite.Require().NoError(err)
	suite.Equal(MaxSims, res.NSims)
	suite.Equal(MaxHorizon, res.Horizon)
}

func (suite *MonteCarloTestSuite) TestTooLittleHistory() {
	engine := NewEngine(suite.log, 2)
	stock := suite.newStock(5)

	_, err := engine.Run(context.Background(), stock, suite.request())
	suite.Require().Error(err)
	suite.ErrorIs(err, types.ErrDataUnavailable)
}

func (suite *MonteCarloTestSuite) TestInvalidCode() {
	engine := NewEngine(suite.log, 2)
	stock := suite.newStock(30)

	req := suite.request()
	req.Code = "x = open\n"

	_, err := engine.Run(context.Background(), stock, req)
	suite.Require().Error(err)

	var verr *types.ValidationError
	suite.ErrorAs(err, &verr)
}

func (suite *MonteCarloTestSuite) TestFanAnchoredAtInitialCash() {
	engine := NewEngine(suite.log, 2)
	stock := suite.newStock(30)

	res, err := engine.Run(context.Background(), stock, suite.request())
	suite.Require().NoError(err)
	suite.Require().NotEmpty(res.FanData)

	day0 := res.FanData[0]
	suite.Equal(0, day0.Day)
	suite.InDelta(100000.0, day0.P5, 1e-9)
	suite.InDelta(100000.0, day0.P95, 1e-9)

	// One fan point per horizon day plus the anchor.
	suite.Len(res.FanData, res.Horizon+1)
}

func (suite *MonteCarloTestSuite) TestSyntheticPathShape() {
	returns := []float64{0.01, -0.02, 0.005}

	candles := syntheticPath(100, returns, 21, 7)
	suite.Require().Len(candles, 21)

	prevClose := 100.0

	for _, c := range candles {
		suite.InDelta(prevClose, c.Open, 1e-9)
		suite.GreaterOrEqual(c.High, c.Close)
		suite.LessOrEqual(c.Low, c.Close)
		suite.GreaterOrEqual(c.High, c.Low)
		suite.True(c.IsValid())
		prevClose = c.Close
	}
}

func (suite *MonteCarloTestSuite) TestSyntheticPathDeterministicPerSeed() {
	returns := []float64{0.01, -0.02, 0.005, 0.003}

	a := syntheticPath(100, returns, 30, 7)
	b := syntheticPath(100, returns, 30, 7)
	c := syntheticPath(100, returns, 30, 8)

	suite.Equal(a, b)
	suite.NotEqual(a, c)
}

func (suite *MonteCarloTestSuite) TestBusinessDaysSkipWeekends() {
	// A Friday start: the next business day is Monday.
	fri := time.Date(2024, 1, 5, 15, 30, 0, 0, time.UTC)

	days := businessDays(fri, 3)
	suite.Require().Len(days, 3)
	suite.Equal(time.Friday, days[0].Weekday())
	suite.Equal(time.Monday, days[1].Weekday())
	suite.Equal(time.Tuesday, days[2].Weekday())
}

func (suite *MonteCarloTestSuite) TestPercentileInterpolation() {
	xs := []float64{10, 20, 30, 40, 50}

	suite.InDelta(30.0, percentile(xs, 50), 1e-9)
	suite.InDelta(10.0, percentile(xs, 0), 1e-9)
	suite.InDelta(50.0, percentile(xs, 100), 1e-9)
	suite.InDelta(35.0, percentile(xs, 62.5), 1e-9)
	suite.InDelta(42.0, percentile([]float64{42}, 95), 1e-9)
}
