// Package montecarlo bootstraps synthetic price paths from a symbol's
// historical returns and runs the full strategy pipeline on each.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/portfolio"
	"github.com/stratlab-hq/stratlab/internal/strategy"
	"github.com/stratlab-hq/stratlab/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MinSims    = 10
	MaxSims    = 500
	MinHorizon = 21
	MaxHorizon = 504

	// minReturns is the smallest historical sample worth bootstrapping from.
	minReturns = 10
)

// Request describes one Monte Carlo run over a single symbol.
type Request struct {
	Code     string
	NSims    int
	Horizon  int
	Settings types.Settings
	// Seed fixes the base RNG seed. Zero means a fresh seed per run.
	Seed int64
}

// FanPoint is one horizon day of the percentile fan. Day 0 is initial cash.
type FanPoint struct {
	Day  int     `yaml:"day" json:"day"`
	Date string  `yaml:"date" json:"date"`
	P5   float64 `yaml:"p5" json:"p5"`
	P25  float64 `yaml:"p25" json:"p25"`
	P50  float64 `yaml:"p50" json:"p50"`
	P75  float64 `yaml:"p75" json:"p75"`
	P95  float64 `yaml:"p95" json:"p95"`
}

// Result aggregates ending values across successful simulations.
type Result struct {
	Symbol        string             `yaml:"symbol" json:"symbol"`
	NSims         int                `yaml:"n_sims" json:"n_sims"`
	NSuccess      int                `yaml:"n_success" json:"n_success"`
	NErrors       int                `yaml:"n_errors" json:"n_errors"`
	Horizon       int                `yaml:"horizon" json:"horizon"`
	InitialCash   float64            `yaml:"initial_cash" json:"initial_cash"`
	StartPrice    float64            `yaml:"start_price" json:"start_price"`
	Percentiles   map[string]float64 `yaml:"percentiles" json:"percentiles"`
	Mean          float64            `yaml:"mean" json:"mean"`
	ProbProfitPct float64            `yaml:"prob_profit_pct" json:"prob_profit_pct"`
	EndValues     []float64          `yaml:"end_values" json:"end_values"`
	FanData       []FanPoint         `yaml:"fan_data" json:"fan_data"`
	Seed          int64              `yaml:"seed" json:"seed"`
}

// Engine runs simulations concurrently under a worker limit.
type Engine struct {
	log     *logger.Logger
	workers int
}

func NewEngine(log *logger.Logger, workers int) *Engine {
	if log == nil {
		log = logger.NewNopLogger()
	}

	if workers <= 0 {
		workers = 4
	}

	return &Engine{log: log, workers: workers}
}

// Run bootstraps NSims synthetic paths from stock's empirical returns and
// runs the strategy on each. With a fixed seed the result is bit-identical
// regardless of scheduling: each simulation derives its own RNG from
// seed+simIndex.
func (e *Engine) Run(ctx context.Context, stock *market.Stock, req Request) (*Result, error) {
	if _, err := strategy.Validate(req.Code); err != nil {
		return nil, err
	}

	returns := barReturns(stock)
	if len(returns) < minReturns {
		return nil, fmt.Errorf("need at least %d historical returns, got %d: %w",
			minReturns, len(returns), types.ErrDataUnavailable)
	}

	nSims := clamp(req.NSims, MinSims, MaxSims)
	horizon := clamp(req.Horizon, MinHorizon, MaxHorizon)

	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	startPrice := stock.Price(stock.Len() - 1)
	initialCash := req.Settings.InitialCash

	// Results are collected per simulation index and compacted in order
	// after the wait, so output never depends on goroutine scheduling.
	simEndValues := make([]float64, nSims)
	simCurves := make([][]float64, nSims)
	simOK := make([]bool, nSims)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for sim := 0; sim < nSims; sim++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			endVal, curve, err := e.runSim(gctx, stock.Symbol, req.Code, req.Settings,
				returns, startPrice, horizon, seed+int64(sim))
			if err != nil {
				e.log.Debug("simulation failed",
					zap.Int("sim", sim),
					zap.Error(err),
				)

				return nil
			}

			simEndValues[sim] = endVal
			simCurves[sim] = curve
			simOK[sim] = true

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	endValues := make([]float64, 0, nSims)
	equityByDay := make([][]float64, 0, nSims)

	for sim := 0; sim < nSims; sim++ {
		if !simOK[sim] {
			continue
		}

		endValues = append(endValues, simEndValues[sim])
		if len(simCurves[sim]) > 0 {
			equityByDay = append(equityByDay, simCurves[sim])
		}
	}

	errCount := nSims - len(endValues)

	return aggregate(stock.Symbol, nSims, horizon, initialCash, startPrice, seed, endValues, equityByDay, errCount), nil
}

func (e *Engine) runSim(ctx context.Context, symbol, code string, settings types.Settings,
	returns []float64, startPrice float64, horizon int, seed int64) (float64, []float64, error) {
	candles := syntheticPath(startPrice, returns, horizon, seed)

	stock, err := market.NewStock(symbol, candles)
	if err != nil {
		return 0, nil, err
	}

	pf := portfolio.New(settings, e.log)
	pf.AddCash(settings.InitialCash)

	rt, err := strategy.NewRuntime(code, stock, pf, e.log)
	if err != nil {
		return 0, nil, err
	}

	curve := make([]float64, 0, horizon)
	rt.OnBar = func(_ int, value float64) {
		curve = append(curve, value)
	}

	if err := rt.Run(ctx, 0, stock.Len()-1); err != nil {
		return 0, nil, err
	}

	return pf.Value(-1), curve, nil
}

// syntheticPath draws horizon returns with replacement and compounds them
// from the last real close. The OHLC spread around each bar is derived from
// the drawn return's magnitude so volatile bars get wider ranges.
func syntheticPath(startPrice float64, returns []float64, horizon int, seed int64) []types.Candle {
	rng := rand.New(rand.NewSource(seed))
	days := businessDays(time.Now().UTC(), horizon)

	candles := make([]types.Candle, 0, horizon)
	prevClose := startPrice

	for i := 0; i < horizon; i++ {
		r := returns[rng.Intn(len(returns))]

		open := prevClose
		closeP := open * (1 + r)

		rangePct := math.Abs(r)*2 + 0.001
		high := math.Max(open, closeP) * (1 + rangePct*0.5)
		low := math.Min(open, closeP) * (1 - rangePct*0.5)

		if low > high {
			low, high = high, low
		}

		high = math.Max(high, closeP)
		low = math.Min(low, closeP)

		candles = append(candles, types.Candle{
			Time:  days[i],
			Open:  open,
			High:  high,
			Low:   low,
			Close: closeP,
		})

		prevClose = closeP
	}

	return candles
}

func businessDays(from time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)

	for len(days) < n {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, d)
		}

		d = d.AddDate(0, 0, 1)
	}

	return days
}

func barReturns(stock *market.Stock) []float64 {
	out := make([]float64, 0, stock.Len())

	for i := 1; i < stock.Len(); i++ {
		prev := stock.Price(i - 1)
		if prev == 0 {
			continue
		}

		out = append(out, stock.Price(i)/prev-1)
	}

	return out
}

func aggregate(symbol string, nSims, horizon int, initialCash, startPrice float64, seed int64,
	endValues []float64, equityByDay [][]float64, errCount int) *Result {
	res := &Result{
		Symbol:      symbol,
		NSims:       nSims,
		NSuccess:    len(endValues),
		NErrors:     errCount,
		Horizon:     horizon,
		InitialCash: initialCash,
		StartPrice:  startPrice,
		EndValues:   endValues,
		Seed:        seed,
		Mean:        initialCash,
		Percentiles: map[string]float64{
			"p5": initialCash, "p25": initialCash, "p50": initialCash,
			"p75": initialCash, "p95": initialCash,
		},
	}

	if len(endValues) > 0 {
		res.Percentiles = map[string]float64{
			"p5":  percentile(endValues, 5),
			"p25": percentile(endValues, 25),
			"p50": percentile(endValues, 50),
			"p75": percentile(endValues, 75),
			"p95": percentile(endValues, 95),
		}

		var sum float64
		profitable := 0

		for _, v := range endValues {
			sum += v
			if v >= initialCash {
				profitable++
			}
		}

		res.Mean = sum / float64(len(endValues))
		res.ProbProfitPct = float64(profitable) / float64(len(endValues)) * 100
	}

	res.FanData = fanData(equityByDay, initialCash, horizon)

	return res
}

// fanData samples the value distribution at each horizon day. Day 0 anchors
// the fan at initial cash.
func fanData(equityByDay [][]float64, initialCash float64, horizon int) []FanPoint {
	if len(equityByDay) == 0 {
		return nil
	}

	nDays := len(equityByDay[0])
	for _, c := range equityByDay {
		if len(c) < nDays {
			nDays = len(c)
		}
	}

	days := businessDays(time.Now().UTC(), nDays+1)
	fan := make([]FanPoint, 0, nDays+1)
	fan = append(fan, FanPoint{
		Day:  0,
		Date: days[0].Format("2006-01-02"),
		P5:   initialCash, P25: initialCash, P50: initialCash,
		P75: initialCash, P95: initialCash,
	})

	for d := 0; d < nDays; d++ {
		vals := make([]float64, 0, len(equityByDay))
		for _, c := range equityByDay {
			vals = append(vals, c[d])
		}

		fan = append(fan, FanPoint{
			Day:  d + 1,
			Date: days[d+1].Format("2006-01-02"),
			P5:   percentile(vals, 5),
			P25:  percentile(vals, 25),
			P50:  percentile(vals, 50),
			P75:  percentile(vals, 75),
			P95:  percentile(vals, 95),
		})
	}

	return fan
}

// percentile is linearly interpolated over the sorted sample.
func percentile(xs []float64, p float64) float64 {
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	frac := rank - float64(lo)

	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
