package strategy

import (
	"fmt"
	"sort"

	"github.com/moznion/go-optional"
	"github.com/stratlab-hq/stratlab/internal/indicator"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/portfolio"
	"github.com/stratlab-hq/stratlab/internal/types"
	"go.starlark.net/starlark"
)

// lookGuard bounds every read the strategy performs to the bar currently
// being processed. Series are precomputed in full; the guard is what keeps a
// strategy from observing values past the cursor.
type lookGuard struct {
	enabled bool
	cursor  int
}

func (g *lookGuard) clamp(i int) int {
	if g.enabled && i > g.cursor {
		return g.cursor
	}

	return i
}

// visible reports whether series index i may be revealed at the current
// cursor.
func (g *lookGuard) visible(i int) bool {
	return !g.enabled || i <= g.cursor
}

func optValue(o optional.Option[float64]) starlark.Value {
	if o.IsSome() {
		return starlark.Float(o.Unwrap())
	}

	return starlark.None
}

// seriesValue is a read-only indexable view over an indicator series.
// Indices past the guard cursor read as None.
type seriesValue struct {
	name  string
	vals  indicator.Series
	guard *lookGuard
}

var (
	_ starlark.Indexable = (*seriesValue)(nil)
	_ starlark.Iterable  = (*seriesValue)(nil)
)

func (s *seriesValue) String() string        { return fmt.Sprintf("<%s series len=%d>", s.name, len(s.vals)) }
func (s *seriesValue) Type() string          { return "series" }
func (s *seriesValue) Freeze()               {}
func (s *seriesValue) Truth() starlark.Bool  { return starlark.Bool(len(s.vals) > 0) }
func (s *seriesValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: series") }
func (s *seriesValue) Len() int              { return len(s.vals) }

func (s *seriesValue) Index(i int) starlark.Value {
	if !s.guard.visible(i) {
		return starlark.None
	}

	return optValue(s.vals[i])
}

func (s *seriesValue) Iterate() starlark.Iterator { return &seriesIterator{s: s} }

type seriesIterator struct {
	s *seriesValue
	i int
}

func (it *seriesIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.s.vals) {
		return false
	}

	*p = it.s.Index(it.i)
	it.i++

	return true
}

func (it *seriesIterator) Done() {}

// bandSeriesValue is the Bollinger variant of seriesValue. Each element is an
// (upper, middle, lower) tuple.
type bandSeriesValue struct {
	vals  indicator.BandSeries
	guard *lookGuard
}

var (
	_ starlark.Indexable = (*bandSeriesValue)(nil)
	_ starlark.Iterable  = (*bandSeriesValue)(nil)
)

func (s *bandSeriesValue) String() string        { return fmt.Sprintf("<bollinger series len=%d>", len(s.vals)) }
func (s *bandSeriesValue) Type() string          { return "band_series" }
func (s *bandSeriesValue) Freeze()               {}
func (s *bandSeriesValue) Truth() starlark.Bool  { return starlark.Bool(len(s.vals) > 0) }
func (s *bandSeriesValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: band_series") }
func (s *bandSeriesValue) Len() int              { return len(s.vals) }

func (s *bandSeriesValue) Index(i int) starlark.Value {
	if !s.guard.visible(i) {
		return starlark.None
	}

	b := s.vals[i]

	return starlark.Tuple{optValue(b.Upper), optValue(b.Middle), optValue(b.Lower)}
}

func (s *bandSeriesValue) Iterate() starlark.Iterator { return &bandIterator{s: s} }

type bandIterator struct {
	s *bandSeriesValue
	i int
}

func (it *bandIterator) Next(p *starlark.Value) bool {
	if it.i >= len(it.s.vals) {
		return false
	}

	*p = it.s.Index(it.i)
	it.i++

	return true
}

func (it *bandIterator) Done() {}

// stockValue exposes the documented market surface to strategy code.
type stockValue struct {
	stock *market.Stock
	guard *lookGuard
}

var _ starlark.HasAttrs = (*stockValue)(nil)

func (v *stockValue) String() string        { return "stock(" + v.stock.Symbol + ")" }
func (v *stockValue) Type() string          { return "stock" }
func (v *stockValue) Freeze()               {}
func (v *stockValue) Truth() starlark.Bool  { return starlark.True }
func (v *stockValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: stock") }

func (v *stockValue) AttrNames() []string {
	names := []string{
		"adx", "atr", "bollinger_bands", "ema", "get_candle", "macd",
		"price", "rsi", "sma", "symbol", "to_iloc", "tr",
	}
	sort.Strings(names)

	return names
}

// resolveIndex turns a strategy-supplied index argument (int, date string or
// None) into a guarded candle index.
func (v *stockValue) resolveIndex(arg starlark.Value) (int, error) {
	switch idx := arg.(type) {
	case nil, starlark.NoneType:
		if v.guard.enabled {
			return v.guard.cursor, nil
		}

		return v.stock.Len() - 1, nil
	case starlark.Int:
		i, err := starlark.AsInt32(idx)
		if err != nil {
			return 0, err
		}

		return v.guard.clamp(v.stock.Clamp(i)), nil
	case starlark.String:
		i, err := v.stock.ToIloc(string(idx))
		if err != nil {
			return 0, err
		}

		return v.guard.clamp(i), nil
	default:
		return 0, fmt.Errorf("index must be an int, a date string or None, got %s", arg.Type())
	}
}

func (v *stockValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "symbol":
		return starlark.String(v.stock.Symbol), nil
	case "price":
		return v.indexMethod(name, func(i int) starlark.Value {
			return starlark.Float(v.stock.Price(i))
		}), nil
	case "tr":
		return v.indexMethod(name, func(i int) starlark.Value {
			return starlark.Float(v.stock.TR(i))
		}), nil
	case "to_iloc":
		return v.indexMethod(name, func(i int) starlark.Value {
			return starlark.MakeInt(i)
		}), nil
	case "get_candle":
		return v.indexMethod(name, func(i int) starlark.Value {
			c := v.stock.Candle(i)

			return starlark.Tuple{
				starlark.Float(c.Open),
				starlark.Float(c.High),
				starlark.Float(c.Low),
				starlark.Float(c.Close),
			}
		}), nil
	case "sma":
		return v.periodMethod(name, v.stock.SMA), nil
	case "ema":
		return v.periodMethod(name, v.stock.EMA), nil
	case "rsi":
		return v.periodMethod(name, v.stock.RSI), nil
	case "atr":
		return v.periodMethod(name, v.stock.ATR), nil
	case "adx":
		return v.periodMethod(name, v.stock.ADX), nil
	case "macd":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			longPeriod, shortPeriod := 26, 12
			if err := starlark.UnpackArgs(b.Name(), args, kwargs,
				"long_period?", &longPeriod, "short_period?", &shortPeriod); err != nil {
				return nil, err
			}

			return &seriesValue{name: name, vals: v.stock.MACD(longPeriod, shortPeriod), guard: v.guard}, nil
		}), nil
	case "bollinger_bands":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			period := 20
			dev := 2.0
			if err := starlark.UnpackArgs(b.Name(), args, kwargs,
				"period?", &period, "dev?", &dev); err != nil {
				return nil, err
			}

			return &bandSeriesValue{vals: v.stock.BollingerBands(period, dev), guard: v.guard}, nil
		}), nil
	default:
		return nil, nil
	}
}

func (v *stockValue) indexMethod(name string, fn func(i int) starlark.Value) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var idx starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "index?", &idx); err != nil {
			return nil, err
		}

		i, err := v.resolveIndex(idx)
		if err != nil {
			return nil, err
		}

		return fn(i), nil
	})
}

func (v *stockValue) periodMethod(name string, fn func(period int) indicator.Series) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		period := 14
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "period?", &period); err != nil {
			return nil, err
		}

		return &seriesValue{name: name, vals: fn(period), guard: v.guard}, nil
	})
}

// portfolioValue exposes the documented portfolio surface to strategy code.
// Order rejections come back as None results with no state change, matching
// the engine's silent no-op contract.
type portfolioValue struct {
	pf    *portfolio.Portfolio
	guard *lookGuard
}

var _ starlark.HasAttrs = (*portfolioValue)(nil)

func (v *portfolioValue) String() string        { return "portfolio" }
func (v *portfolioValue) Type() string          { return "portfolio" }
func (v *portfolioValue) Freeze()               {}
func (v *portfolioValue) Truth() starlark.Bool  { return starlark.True }
func (v *portfolioValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: portfolio") }

func (v *portfolioValue) AttrNames() []string {
	names := []string{
		"cash", "enter_position_long", "enter_position_short",
		"estimate_buy_cost", "estimate_fill_price", "estimate_sell_proceeds",
		"exit_position", "get_buying_power", "get_position",
		"get_reserved_cash", "get_short_market_value", "get_value",
		"max_affordable_buy", "positions",
	}
	sort.Strings(names)

	return names
}

func (v *portfolioValue) resolveIndex(arg starlark.Value) (int, error) {
	switch idx := arg.(type) {
	case nil, starlark.NoneType:
		if v.guard.enabled {
			return v.guard.cursor, nil
		}

		return -1, nil
	case starlark.Int:
		i, err := starlark.AsInt32(idx)
		if err != nil {
			return 0, err
		}

		// A negative index means the latest bar, which under the guard is
		// the cursor, not the end of the run.
		if v.guard.enabled && i < 0 {
			return v.guard.cursor, nil
		}

		return v.guard.clamp(i), nil
	default:
		return 0, fmt.Errorf("index must be an int or None, got %s", arg.Type())
	}
}

func positionDict(p types.Position) *starlark.Dict {
	d := starlark.NewDict(4)
	_ = d.SetKey(starlark.String("symbol"), starlark.String(p.Symbol))
	_ = d.SetKey(starlark.String("quantity"), starlark.Float(p.Quantity))
	_ = d.SetKey(starlark.String("avg_price"), starlark.Float(p.AvgPrice))
	_ = d.SetKey(starlark.String("realized_pnl"), starlark.Float(p.RealizedPnL))

	return d
}

func (v *portfolioValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "cash":
		return starlark.Float(v.pf.Cash()), nil
	case "get_value":
		return v.indexMethod(name, v.pf.Value), nil
	case "get_buying_power":
		return v.indexMethod(name, v.pf.BuyingPower), nil
	case "get_reserved_cash":
		return v.indexMethod(name, v.pf.ReservedCash), nil
	case "get_short_market_value":
		return v.indexMethod(name, v.pf.ShortMarketValue), nil
	case "get_position":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var target starlark.Value
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stock", &target); err != nil {
				return nil, err
			}

			symbol, err := symbolOf(target)
			if err != nil {
				return nil, err
			}

			pos := v.pf.GetPosition(symbol)
			if pos.IsNone() {
				return starlark.None, nil
			}

			return positionDict(pos.Unwrap()), nil
		}), nil
	case "positions":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}

			all := v.pf.Positions()
			out := make([]starlark.Value, len(all))
			for i, p := range all {
				out[i] = positionDict(p)
			}

			return starlark.NewList(out), nil
		}), nil
	case "enter_position_long":
		return v.orderMethod(name, v.pf.EnterLong), nil
	case "enter_position_short":
		return v.orderMethod(name, v.pf.EnterShort), nil
	case "exit_position":
		return v.orderMethod(name, v.pf.Exit), nil
	case "estimate_fill_price":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var side string
			var price float64
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "side", &side, "raw_price", &price); err != nil {
				return nil, err
			}

			if side != string(types.SideBuy) && side != string(types.SideSell) {
				return nil, fmt.Errorf("side must be %q or %q", types.SideBuy, types.SideSell)
			}

			return starlark.Float(v.pf.EstimateFillPrice(types.Side(side), price)), nil
		}), nil
	case "estimate_buy_cost":
		return v.estimateMethod(name, v.pf.EstimateBuyCost), nil
	case "estimate_sell_proceeds":
		return v.estimateMethod(name, v.pf.EstimateSellProceeds), nil
	case "max_affordable_buy":
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var price float64
			reserve := 0.05
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "raw_price", &price, "reserve_fraction?", &reserve); err != nil {
				return nil, err
			}

			return starlark.Float(v.pf.MaxAffordableBuy(price, reserve)), nil
		}), nil
	default:
		return nil, nil
	}
}

func (v *portfolioValue) indexMethod(name string, fn func(index int) float64) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var idx starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "index?", &idx); err != nil {
			return nil, err
		}

		i, err := v.resolveIndex(idx)
		if err != nil {
			return nil, err
		}

		return starlark.Float(fn(i)), nil
	})
}

func (v *portfolioValue) estimateMethod(name string, fn func(quantity, rawPrice float64) float64) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var quantity, price float64
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "quantity", &quantity, "raw_price", &price); err != nil {
			return nil, err
		}

		return starlark.Float(fn(quantity, price)), nil
	})
}

// orderMethod wraps an entry or exit call. Rejections are swallowed: the call
// returns None either way and the absence of a trade is the only evidence.
func (v *portfolioValue) orderMethod(name string, fn func(stock *market.Stock, quantity float64, index int) error) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var target starlark.Value
		var quantity float64
		var idx starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs,
			"stock", &target, "quantity", &quantity, "index?", &idx); err != nil {
			return nil, err
		}

		sv, ok := target.(*stockValue)
		if !ok {
			return nil, fmt.Errorf("%s: first argument must be a stock, got %s", b.Name(), target.Type())
		}

		i, err := sv.resolveIndex(idx)
		if err != nil {
			return nil, err
		}

		if err := fn(sv.stock, quantity, i); err != nil && !types.IsRejection(err) {
			return nil, err
		}

		return starlark.None, nil
	})
}

func symbolOf(target starlark.Value) (string, error) {
	switch t := target.(type) {
	case *stockValue:
		return t.stock.Symbol, nil
	case starlark.String:
		return string(t), nil
	default:
		return "", fmt.Errorf("expected a stock or a symbol string, got %s", target.Type())
	}
}
