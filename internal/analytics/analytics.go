// Package analytics turns a trade log and equity curve into the performance
// report attached to every run.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stratlab-hq/stratlab/internal/types"
)

const tradingDaysPerYear = 252

// riskFreeRateAnnual is held at zero; the excess-return terms keep the
// formulas honest if it ever moves.
const riskFreeRateAnnual = 0.0

// ComputeReport assembles the full analytics output for one run.
func ComputeReport(tradeLog []types.Trade, equityCurve []types.EquityPoint, initialCash float64) types.Report {
	return types.Report{
		Equity:  ComputeEquityMetrics(equityCurve, initialCash),
		Trades:  ComputeTradeMetrics(tradeLog),
		Symbols: ComputeSymbolBreakdown(tradeLog),
	}
}

// ComputeEquityMetrics summarizes an equity curve: total return, drawdown,
// and annualized risk-adjusted ratios over a business-day expansion of the
// trade-to-trade curve.
func ComputeEquityMetrics(curve []types.EquityPoint, initialCash float64) types.EquityMetrics {
	values := make([]float64, len(curve))
	for i, p := range curve {
		values[i] = p.V
	}

	if len(values) == 0 {
		values = []float64{initialCash}
	}

	startValue := values[0]
	endValue := values[len(values)-1]
	pnl := endValue - startValue

	var totalReturn float64
	if startValue != 0 {
		totalReturn = pnl / startValue
	}

	peak := startValue
	maxDD := 0.0
	maxDDDuration := 0
	ddStart := 0
	ddSeries := make([]float64, 0, len(values))
	peakValue, lowValue := startValue, startValue

	for i, v := range values {
		if v > peak {
			peak = v
			ddStart = i
		}

		var dd float64
		if peak != 0 {
			dd = (v - peak) / peak
		}

		ddSeries = append(ddSeries, dd)

		if dd < maxDD {
			maxDD = dd
			maxDDDuration = i - ddStart
		}

		peakValue = math.Max(peakValue, v)
		lowValue = math.Min(lowValue, v)
	}

	daily := expandToDaily(curve, initialCash)
	dailyReturns := make([]float64, 0, len(daily))

	for i := 1; i < len(daily); i++ {
		if daily[i-1] > 0 {
			dailyReturns = append(dailyReturns, daily[i]/daily[i-1]-1)
		} else {
			dailyReturns = append(dailyReturns, 0)
		}
	}

	avgDaily := mean(dailyReturns)
	stdevDaily := sampleStdev(dailyReturns, avgDaily)

	rfDaily := riskFreeRateAnnual / tradingDaysPerYear
	excessDaily := avgDaily - rfDaily

	var sharpeAnnual float64
	if stdevDaily != 0 {
		sharpeAnnual = excessDaily / stdevDaily * math.Sqrt(tradingDaysPerYear)
	}

	var downside []float64
	for _, r := range dailyReturns {
		if r < 0 {
			downside = append(downside, r)
		}
	}

	var downsideStdev float64
	if len(downside) > 1 {
		var ss float64
		for _, r := range downside {
			ss += r * r
		}

		downsideStdev = math.Sqrt(ss / float64(len(downside)-1))
	}

	var sortinoAnnual float64

	switch {
	case downsideStdev != 0:
		sortinoAnnual = excessDaily / downsideStdev * math.Sqrt(tradingDaysPerYear)
	case excessDaily >= 0:
		sortinoAnnual = sharpeAnnual
	}

	years := float64(len(dailyReturns)) / tradingDaysPerYear

	var cagr float64
	if years > 0 && startValue > 0 && endValue > 0 {
		cagr = math.Pow(endValue/startValue, 1/years) - 1
	}

	calmarAnnual := cagr
	if maxDD != 0 {
		calmarAnnual = cagr / math.Abs(maxDD)
	}

	tradeReturns := make([]float64, 0, len(values))
	for i := 1; i < len(values); i++ {
		if values[i-1] > 0 {
			tradeReturns = append(tradeReturns, values[i]/values[i-1]-1)
		}
	}

	avgTradeR := mean(tradeReturns)
	stdevTradeR := sampleStdev(tradeReturns, avgTradeR)

	var sharpeLike float64
	if stdevTradeR != 0 {
		sharpeLike = avgTradeR / stdevTradeR
	}

	return types.EquityMetrics{
		StartValue:              startValue,
		EndValue:                endValue,
		PnL:                     pnl,
		TotalReturnPct:          totalReturn * 100,
		MaxDrawdownPct:          maxDD * 100,
		MaxDrawdownDuration:     maxDDDuration,
		PeakValue:               peakValue,
		LowValue:                lowValue,
		Points:                  len(values),
		CAGR:                    cagr,
		SharpeAnnual:            sharpeAnnual,
		SortinoAnnual:           sortinoAnnual,
		CalmarAnnual:            calmarAnnual,
		TradeToTradeAvgReturn:   avgTradeR,
		TradeToTradeStdevReturn: stdevTradeR,
		TradeToTradeSharpeLike:  sharpeLike,
		DrawdownSeries:          ddSeries,
	}
}

// ComputeTradeMetrics summarizes a trade log. Win rate and profit factor
// consider exits only, since entries carry no realized pnl.
func ComputeTradeMetrics(tradeLog []types.Trade) types.TradeMetrics {
	var (
		exits, winCount, lossCount     int
		grossProfit, grossLoss, netAll float64
		maxWin, maxLoss                float64
	)

	for _, t := range tradeLog {
		if t.Type != types.TradeTypeExit {
			continue
		}

		exits++
		netAll += t.RealizedPnL

		switch {
		case t.RealizedPnL > 0:
			winCount++
			grossProfit += t.RealizedPnL
			maxWin = math.Max(maxWin, t.RealizedPnL)
		case t.RealizedPnL < 0:
			lossCount++
			grossLoss += t.RealizedPnL
			maxLoss = math.Min(maxLoss, t.RealizedPnL)
		}
	}

	var winRate float64
	if exits > 0 {
		winRate = float64(winCount) / float64(exits)
	}

	profitFactor := optional.None[float64]()
	if lossCount > 0 {
		profitFactor = optional.Some(grossProfit / math.Abs(grossLoss))
	}

	var avgWin, avgLoss float64
	if winCount > 0 {
		avgWin = grossProfit / float64(winCount)
	}

	if lossCount > 0 {
		avgLoss = grossLoss / float64(lossCount)
	}

	return types.TradeMetrics{
		Trades:           len(tradeLog),
		Exits:            exits,
		Wins:             winCount,
		Losses:           lossCount,
		WinRatePct:       winRate * 100,
		ProfitFactor:     profitFactor,
		GrossProfit:      grossProfit,
		GrossLoss:        grossLoss,
		NetRealizedExits: netAll,
		AvgWin:           avgWin,
		AvgLoss:          avgLoss,
		MaxWin:           maxWin,
		MaxLoss:          maxLoss,
	}
}

// ComputeSymbolBreakdown aggregates realized pnl per symbol, best first.
func ComputeSymbolBreakdown(tradeLog []types.Trade) []types.SymbolBreakdown {
	by := map[string]*types.SymbolBreakdown{}

	for _, t := range tradeLog {
		if t.Symbol == "" {
			continue
		}

		rec, ok := by[t.Symbol]
		if !ok {
			rec = &types.SymbolBreakdown{Symbol: t.Symbol}
			by[t.Symbol] = rec
		}

		rec.Trades++

		if t.Type == types.TradeTypeExit {
			rec.Exits++
			rec.NetRealized += t.RealizedPnL
		}
	}

	out := make([]types.SymbolBreakdown, 0, len(by))
	for _, rec := range by {
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].NetRealized != out[j].NetRealized {
			return out[i].NetRealized > out[j].NetRealized
		}

		return out[i].Symbol > out[j].Symbol
	})

	return out
}

// expandToDaily forward-fills the trade-to-trade equity curve onto a
// business-day grid so the annualized ratios see calendar time, not trade
// count. Points without usable dates fall back to the raw curve.
func expandToDaily(curve []types.EquityPoint, initialCash float64) []float64 {
	if len(curve) == 0 {
		return []float64{initialCash}
	}

	points := make([]types.EquityPoint, len(curve))
	copy(points, curve)

	sort.SliceStable(points, func(i, j int) bool {
		ti, tj := dayOf(points[i]), dayOf(points[j])
		if ti != tj {
			return ti < tj
		}

		return points[i].I < points[j].I
	})

	var minDay, maxDay string

	for _, p := range points {
		if len(p.Time) < 10 {
			continue
		}

		day := p.Time[:10]
		if minDay == "" || day < minDay {
			minDay = day
		}

		if day > maxDay {
			maxDay = day
		}
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.V
	}

	if minDay == "" {
		return values
	}

	start, err1 := time.Parse("2006-01-02", minDay)
	end, err2 := time.Parse("2006-01-02", maxDay)
	if err1 != nil || err2 != nil {
		return values
	}

	// Last value per day wins.
	byDay := map[string]float64{}
	for _, p := range points {
		day := minDay
		if len(p.Time) >= 10 {
			day = p.Time[:10]
		}

		byDay[day] = p.V
	}

	var (
		daily []float64
		set   []bool
	)

	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}

		v, ok := byDay[d.Format("2006-01-02")]
		daily = append(daily, v)
		set = append(set, ok)
	}

	if len(daily) == 0 {
		return values
	}

	// Forward-fill, then back-fill the leading gap; a grid with no dated
	// points at all reads as flat initial cash.
	firstSet := -1

	for i := range daily {
		if set[i] {
			if firstSet == -1 {
				firstSet = i
			}
		} else if i > 0 && set[i-1] {
			daily[i] = daily[i-1]
			set[i] = true
		}
	}

	if firstSet == -1 {
		for i := range daily {
			daily[i] = initialCash
		}

		return daily
	}

	for i := 0; i < firstSet; i++ {
		daily[i] = daily[firstSet]
	}

	return daily
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}

	return sum / float64(len(xs))
}

func sampleStdev(xs []float64, avg float64) float64 {
	if len(xs) < 2 {
		return 0
	}

	var ss float64
	for _, x := range xs {
		d := x - avg
		ss += d * d
	}

	return math.Sqrt(ss / float64(len(xs)-1))
}

func dayOf(p types.EquityPoint) string {
	if len(p.Time) >= 10 {
		return p.Time[:10]
	}

	return "1970-01-01"
}
