// Package backtest runs a validated strategy over one or more symbols and
// assembles the persisted run snapshot.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stratlab-hq/stratlab/internal/analytics"
	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/portfolio"
	"github.com/stratlab-hq/stratlab/internal/strategy"
	"github.com/stratlab-hq/stratlab/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CandleSource provides historical candles for one symbol over a date window.
type CandleSource interface {
	Candles(ctx context.Context, symbol, start, end string) ([]types.Candle, error)
}

// RunRecorder persists completed run snapshots.
type RunRecorder interface {
	SaveRun(ctx context.Context, record *types.RunRecord) error
}

const defaultWorkers = 4

// Driver coordinates per-symbol backtest units.
type Driver struct {
	source   CandleSource
	recorder RunRecorder
	log      *logger.Logger
	workers  int
	progress func()
}

// Option configures a Driver.
type Option func(*Driver)

// WithWorkers bounds how many symbol units run concurrently.
func WithWorkers(n int) Option {
	return func(d *Driver) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRecorder persists every completed run through r.
func WithRecorder(r RunRecorder) Option {
	return func(d *Driver) { d.recorder = r }
}

// WithProgress calls fn once per completed unit.
func WithProgress(fn func()) Option {
	return func(d *Driver) { d.progress = fn }
}

func NewDriver(source CandleSource, log *logger.Logger, opts ...Option) *Driver {
	if log == nil {
		log = logger.NewNopLogger()
	}

	d := &Driver{
		source:  source,
		log:     log,
		workers: defaultWorkers,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Request describes one backtest run.
type Request struct {
	Strategy  types.StrategySource
	Symbols   []string
	StartDate string
	EndDate   string
	// TrainPct in (0,1) splits each symbol's bars into independently
	// capitalized train and test segments. Zero disables the split.
	TrainPct float64
	Settings types.Settings
}

// unitOut is everything one symbol contributes to the run.
type unitOut struct {
	results []types.SymbolResult

	// finalTrades and finalCurve come from the test segment when a split
	// is active, otherwise from the full run. They feed the top-level
	// merged curve and metrics.
	finalTrades []types.Trade
	finalCurve  []types.EquityPoint
	trainTrades []types.Trade
	trainCurve  []types.EquityPoint
}

// Run executes the request and returns the immutable run snapshot. A single
// symbol's failure is reported in its result, never as a batch failure.
func (d *Driver) Run(ctx context.Context, req Request) (*types.RunRecord, error) {
	symbols := normalizeSymbols(req.Symbols)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("select at least one symbol")
	}

	if req.TrainPct != 0 && (req.TrainPct <= 0 || req.TrainPct >= 1) {
		return nil, fmt.Errorf("train_pct must be between 0 and 1 (exclusive)")
	}

	// Reject bad strategy code before touching any data.
	if _, err := strategy.Validate(req.Strategy.Code); err != nil {
		return nil, err
	}

	cashPer := req.Settings.InitialCash / float64(len(symbols))
	units := make([]unitOut, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)

	for i, symbol := range symbols {
		g.Go(func() error {
			units[i] = d.runUnit(gctx, symbol, req, cashPer)

			if d.progress != nil {
				d.progress()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	record := d.assemble(symbols, units, req, cashPer)

	if d.recorder != nil {
		if err := d.recorder.SaveRun(ctx, record); err != nil {
			return record, fmt.Errorf("save run: %w", err)
		}
	}

	return record, nil
}

func (d *Driver) runUnit(ctx context.Context, symbol string, req Request, cashPer float64) unitOut {
	candles, err := d.source.Candles(ctx, symbol, req.StartDate, req.EndDate)
	if err != nil {
		return errorUnit(symbol, types.SegmentFull, cashPer, err)
	}

	stock, err := market.NewStock(symbol, candles)
	if err != nil {
		return errorUnit(symbol, types.SegmentFull, cashPer, err)
	}

	startIloc, err := stock.ToIloc(req.StartDate)
	if err != nil {
		return errorUnit(symbol, types.SegmentFull, cashPer, err)
	}

	endIloc, err := stock.ToIloc(req.EndDate)
	if err != nil {
		return errorUnit(symbol, types.SegmentFull, cashPer, err)
	}

	if req.TrainPct == 0 {
		res := d.runSegment(ctx, stock, req, types.SegmentFull, startIloc, endIloc, cashPer)

		return unitOut{
			results:     []types.SymbolResult{res},
			finalTrades: res.TradeLog,
			finalCurve:  res.EquityCurve,
		}
	}

	// Split by bar count, train first. A window too small to hold both
	// segments degenerates to at least one bar each.
	n := endIloc - startIloc + 1
	trainBars := int(float64(n) * req.TrainPct)

	if trainBars < 1 {
		trainBars = 1
	}

	if trainBars >= n {
		trainBars = n - 1
	}

	trainRes := d.runSegment(ctx, stock, req, types.SegmentTrain, startIloc, startIloc+trainBars-1, cashPer)
	testRes := d.runSegment(ctx, stock, req, types.SegmentTest, startIloc+trainBars, endIloc, cashPer)

	return unitOut{
		results:     []types.SymbolResult{trainRes, testRes},
		finalTrades: testRes.TradeLog,
		finalCurve:  testRes.EquityCurve,
		trainTrades: trainRes.TradeLog,
		trainCurve:  trainRes.EquityCurve,
	}
}

// runSegment runs one independently capitalized segment of one symbol.
func (d *Driver) runSegment(ctx context.Context, stock *market.Stock, req Request, segment types.SegmentLabel, startIloc, endIloc int, cashPer float64) types.SymbolResult {
	pf := portfolio.New(req.Settings, d.log)
	pf.AddCash(cashPer)

	res := types.SymbolResult{
		Symbol:     stock.Symbol,
		Segment:    segment,
		StartValue: cashPer,
	}

	rt, err := strategy.NewRuntime(req.Strategy.Code, stock, pf, d.log)
	if err != nil {
		res.Error = err.Error()
		res.EndValue = cashPer

		return res
	}

	runErr := rt.Run(ctx, startIloc, endIloc)

	if req.Settings.AutoLiquidateEnd {
		pf.ForceCloseAll(endIloc)
	}

	res.EndValue = pf.Value(endIloc)
	res.PnL = res.EndValue - cashPer
	res.TradeLog = pf.TradeLog()
	res.EquityCurve = pf.EquityCurve()
	res.Output = rt.Output()

	if runErr != nil {
		res.Error = runErr.Error()

		d.log.Warn("strategy run failed",
			zap.String("symbol", stock.Symbol),
			zap.String("segment", string(segment)),
			zap.Error(runErr),
		)
	}

	return res
}

func (d *Driver) assemble(symbols []string, units []unitOut, req Request, cashPer float64) *types.RunRecord {
	var (
		results     []types.SymbolResult
		finalTrades []types.Trade
		trainTrades []types.Trade
		finalCurves [][]types.EquityPoint
		trainCurves [][]types.EquityPoint
	)

	for _, u := range units {
		results = append(results, u.results...)
		finalTrades = append(finalTrades, u.finalTrades...)
		trainTrades = append(trainTrades, u.trainTrades...)
		finalCurves = append(finalCurves, u.finalCurve)
		trainCurves = append(trainCurves, u.trainCurve)
	}

	initial := req.Settings.InitialCash
	merged := mergeCurves(finalCurves, cashPer, initial, req.StartDate, req.EndDate)

	metrics := analytics.ComputeReport(finalTrades, merged, initial)

	record := &types.RunRecord{
		ID:           uuid.NewString(),
		StrategyID:   req.Strategy.ID,
		StrategyName: req.Strategy.Name,
		Symbols:      symbols,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		TrainPct:     req.TrainPct,
		Settings:     req.Settings,
		Results:      results,
		Metrics:      &metrics,
		EquityCurve:  merged,
		CreatedAt:    time.Now().UTC(),
	}

	if req.TrainPct != 0 {
		trainMerged := mergeCurves(trainCurves, cashPer, initial, req.StartDate, req.EndDate)
		trainMetrics := analytics.ComputeReport(trainTrades, trainMerged, initial)
		record.TrainMetrics = &trainMetrics
		record.TestMetrics = record.Metrics
	}

	return record
}

// mergeCurves folds per-symbol equity curves into one portfolio-level curve:
// at each trading day with activity, the combined value is the sum of every
// symbol's latest value. Symbols that have not traded yet count at their
// starting cash.
func mergeCurves(curves [][]types.EquityPoint, cashPer, initial float64, startDate, endDate string) []types.EquityPoint {
	type event struct {
		day  string
		unit int
		v    float64
	}

	var events []event

	for unit, curve := range curves {
		for _, p := range curve {
			if p.Time == "" {
				continue
			}

			events = append(events, event{day: p.Time, unit: unit, v: p.V})
		}
	}

	merged := []types.EquityPoint{{I: 0, V: initial, Time: startDate}}

	if len(events) == 0 {
		merged = append(merged, types.EquityPoint{I: 1, V: initial, Time: endDate})

		return merged
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].day != events[j].day {
			return events[i].day < events[j].day
		}

		return events[i].unit < events[j].unit
	})

	current := make([]float64, len(curves))
	for i := range current {
		current[i] = cashPer
	}

	for i := 0; i < len(events); {
		day := events[i].day

		for i < len(events) && events[i].day == day {
			current[events[i].unit] = events[i].v
			i++
		}

		var combined float64
		for _, v := range current {
			combined += v
		}

		merged = append(merged, types.EquityPoint{I: len(merged), V: combined, Time: day})
	}

	return merged
}

func errorUnit(symbol string, segment types.SegmentLabel, cashPer float64, err error) unitOut {
	return unitOut{
		results: []types.SymbolResult{{
			Symbol:     symbol,
			Segment:    segment,
			StartValue: cashPer,
			EndValue:   cashPer,
			Error:      err.Error(),
		}},
	}
}

func normalizeSymbols(symbols []string) []string {
	seen := map[string]struct{}{}

	var out []string

	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}

		if _, ok := seen[s]; ok {
			continue
		}

		seen[s] = struct{}{}
		out = append(out, s)
	}

	return out
}
