package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/portfolio"
	"github.com/stratlab-hq/stratlab/internal/types"
)

type RuntimeTestSuite struct {
	suite.Suite
	log *logger.Logger
}

func TestRuntimeSuite(t *testing.T) {
	suite.Run(t, new(RuntimeTestSuite))
}

func (suite *RuntimeTestSuite) SetupSuite() {
	suite.log = logger.NewNopLogger()
}

func (suite *RuntimeTestSuite) newStock(closes ...float64) *market.Stock {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	candles := make([]types.Candle, len(closes))
	for i, c := range closes {
		candles[i] = types.Candle{
			Time:  base.AddDate(0, 0, i),
			Open:  c,
			High:  c,
			Low:   c,
			Close: c,
		}
	}

	s, err := market.NewStock("TEST", candles)
	suite.Require().NoError(err)

	return s
}

func (suite *RuntimeTestSuite) newPortfolio(cash float64) *portfolio.Portfolio {
	p := portfolio.New(types.DefaultSettings(), suite.log)
	p.AddCash(cash)

	return p
}

func (suite *RuntimeTestSuite) TestBuyOnceStrategyTrades() {
	code := `
def strategy(stock, portfolio):
    state = {"bought": False}

    def update(o, h, l, c, i):
        if not state["bought"]:
            portfolio.enter_position_long(stock, 10, i)
            state["bought"] = True

    return {"update": update}
`
	stock := suite.newStock(10, 11, 12)
	pf := suite.newPortfolio(10000)

	rt, err := NewRuntime(code, stock, pf, suite.log)
	suite.Require().NoError(err)
	suite.Equal(StateInit, rt.State())

	suite.Require().NoError(rt.Run(context.Background(), 0, 2))
	suite.Equal(StateEnded, rt.State())

	trades := pf.TradeLog()
	suite.Require().Len(trades, 1)
	suite.Equal(types.TradeTypeLong, trades[0].Type)
	suite.Equal(0, trades[0].Index)
	suite.InDelta(9900.0, pf.Cash(), 1e-9)
}

func (suite *RuntimeTestSuite) TestStartAndEndHooks() {
	code := `
def strategy(stock, portfolio):
    def start(candle):
        print("start", candle[3])

    def end(candle):
        print("end", candle[3])

    return {"start": start, "end": end}
`
	stock := suite.newStock(10, 11, 12)

	rt, err := NewRuntime(code, stock, suite.newPortfolio(1000), suite.log)
	suite.Require().NoError(err)

	suite.Require().NoError(rt.Run(context.Background(), 0, 2))
	suite.Contains(rt.Output(), "start 10")
	suite.Contains(rt.Output(), "end 12")
}

func (suite *RuntimeTestSuite) TestPrintCapture() {
	code := `
def strategy(stock, portfolio):
    print("hello", stock.symbol)
    return None
`
	rt, err := NewRuntime(code, suite.newStock(10), suite.newPortfolio(1000), suite.log)
	suite.Require().NoError(err)
	suite.Contains(rt.Output(), "hello TEST")
}

func (suite *RuntimeTestSuite) TestUpdateErrorPreservesTrades() {
	code := `
def strategy(stock, portfolio):
    def update(o, h, l, c, i):
        portfolio.enter_position_long(stock, 1, i)
        if i == 1:
            x = [][5]

    return {"update": update}
`
	stock := suite.newStock(10, 11, 12)
	pf := suite.newPortfolio(10000)

	rt, err := NewRuntime(code, stock, pf, suite.log)
	suite.Require().NoError(err)

	err = rt.Run(context.Background(), 0, 2)
	suite.Require().Error(err)

	var runErr *types.RunError
	suite.Require().ErrorAs(err, &runErr)
	suite.Equal("update", runErr.Hook)
	suite.Equal(1, runErr.Index)

	// The bar-0 fill and the bar-1 fill placed before the failure survive.
	suite.Len(pf.TradeLog(), 2)
	suite.Equal(StateEnded, rt.State())
}

func (suite *RuntimeTestSuite) TestInitFailure() {
	code := `
def strategy(stock, portfolio):
    x = [][1]
    return None
`
	_, err := NewRuntime(code, suite.newStock(10), suite.newPortfolio(1000), suite.log)
	suite.Require().Error(err)

	var initErr *types.InitError
	suite.Require().ErrorAs(err, &initErr)
	suite.False(initErr.Timeout)
}

func (suite *RuntimeTestSuite) TestNonCallableHook() {
	code := `
def strategy(stock, portfolio):
    return {"update": 42}
`
	_, err := NewRuntime(code, suite.newStock(10), suite.newPortfolio(1000), suite.log)
	suite.Require().Error(err)

	var initErr *types.InitError
	suite.Require().ErrorAs(err, &initErr)
	suite.Contains(initErr.Error(), "not callable")
}

func (suite *RuntimeTestSuite) TestBadHookTableType() {
	code := `
def strategy(stock, portfolio):
    return [1, 2, 3]
`
	_, err := NewRuntime(code, suite.newStock(10), suite.newPortfolio(1000), suite.log)
	suite.Require().Error(err)

	var initErr *types.InitError
	suite.Require().ErrorAs(err, &initErr)
	suite.Contains(initErr.Error(), "dict of hooks")
}

func (suite *RuntimeTestSuite) TestValidationErrorNeverRuns() {
	_, err := NewRuntime("x = open\n", suite.newStock(10), suite.newPortfolio(1000), suite.log)
	suite.Require().Error(err)

	var verr *types.ValidationError
	suite.ErrorAs(err, &verr)
}

func (suite *RuntimeTestSuite) TestLookaheadMasksFutureValues() {
	code := `
def strategy(stock, portfolio):
    prices = stock.sma(1)

    def update(o, h, l, c, i):
        if i == 0:
            if prices[2] == None:
                print("masked")
            else:
                print("leaked", prices[2])

    return {"update": update}
`
	stock := suite.newStock(10, 11, 12)
	pf := suite.newPortfolio(1000)
	suite.Require().True(pf.Settings().BlockLookahead)

	rt, err := NewRuntime(code, stock, pf, suite.log)
	suite.Require().NoError(err)

	suite.Require().NoError(rt.Run(context.Background(), 0, 2))
	suite.Contains(rt.Output(), "masked")
	suite.NotContains(rt.Output(), "leaked")
}

func (suite *RuntimeTestSuite) TestLookaheadGuardsPortfolioValue() {
	code := `
def strategy(stock, portfolio):
    def update(o, h, l, c, i):
        if i == 0:
            portfolio.enter_position_long(stock, 10, i)
            print("now", portfolio.get_value(i))
            print("latest", portfolio.get_value(-1))

    return {"update": update}
`
	stock := suite.newStock(10, 10, 10, 10, 200)
	pf := suite.newPortfolio(1000)
	suite.Require().True(pf.Settings().BlockLookahead)

	rt, err := NewRuntime(code, stock, pf, suite.log)
	suite.Require().NoError(err)

	suite.Require().NoError(rt.Run(context.Background(), 0, 4))

	// 900 cash plus 10 shares marked at the bar 0 close. A negative index
	// must not reveal the bar 4 close through the position's market value.
	suite.Contains(rt.Output(), "now 1000.0")
	suite.Contains(rt.Output(), "latest 1000.0")
	suite.NotContains(rt.Output(), "2900.0")
}

func (suite *RuntimeTestSuite) TestLookaheadDisabledRevealsSeries() {
	code := `
def strategy(stock, portfolio):
    prices = stock.sma(1)

    def update(o, h, l, c, i):
        if i == 0 and prices[2] != None:
            print("visible", prices[2])

    return {"update": update}
`
	settings := types.DefaultSettings()
	settings.BlockLookahead = false

	pf := portfolio.New(settings, suite.log)
	pf.AddCash(1000)

	rt, err := NewRuntime(code, suite.newStock(10, 11, 12), pf, suite.log)
	suite.Require().NoError(err)

	suite.Require().NoError(rt.Run(context.Background(), 0, 2))
	suite.Contains(rt.Output(), "visible")
}

func (suite *RuntimeTestSuite) TestRejectedOrderIsSilent() {
	code := `
def strategy(stock, portfolio):
    def update(o, h, l, c, i):
        portfolio.enter_position_long(stock, 1000000, i)
        print("still running", i)

    return {"update": update}
`
	stock := suite.newStock(10, 11)
	pf := suite.newPortfolio(100)

	rt, err := NewRuntime(code, stock, pf, suite.log)
	suite.Require().NoError(err)

	suite.Require().NoError(rt.Run(context.Background(), 0, 1))
	suite.Empty(pf.TradeLog())
	suite.Contains(rt.Output(), "still running 1")
}

func (suite *RuntimeTestSuite) TestOnBarObservesEquity() {
	code := `
def strategy(stock, portfolio):
    return None
`
	stock := suite.newStock(10, 11, 12)
	pf := suite.newPortfolio(5000)

	rt, err := NewRuntime(code, stock, pf, suite.log)
	suite.Require().NoError(err)

	var values []float64
	rt.OnBar = func(index int, value float64) {
		values = append(values, value)
	}

	suite.Require().NoError(rt.Run(context.Background(), 0, 2))
	suite.Require().Len(values, 3)
	suite.InDelta(5000.0, values[0], 1e-9)
}

func (suite *RuntimeTestSuite) TestEndHookErrorRecordedNotReturned() {
	code := `
def strategy(stock, portfolio):
    def end(candle):
        x = [][9]

    return {"end": end}
`
	rt, err := NewRuntime(code, suite.newStock(10, 11), suite.newPortfolio(1000), suite.log)
	suite.Require().NoError(err)

	suite.Require().NoError(rt.Run(context.Background(), 0, 1))
	suite.Error(rt.EndErr())
}

func (suite *RuntimeTestSuite) TestCancelledContextStopsRun() {
	code := `
def strategy(stock, portfolio):
    def update(o, h, l, c, i):
        pass

    return {"update": update}
`
	rt, err := NewRuntime(code, suite.newStock(10, 11), suite.newPortfolio(1000), suite.log)
	suite.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	suite.ErrorIs(rt.Run(ctx, 0, 1), context.Canceled)
}
