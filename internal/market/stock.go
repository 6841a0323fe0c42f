package market

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stratlab-hq/stratlab/internal/indicator"
	"github.com/stratlab-hq/stratlab/internal/types"
)

// Stock is one symbol's immutable candle history plus a cache of
// precomputed indicator series. It exposes only index-bounded queries; the
// raw candle slice never crosses the strategy boundary.
type Stock struct {
	Symbol string

	candles []types.Candle

	mu       sync.Mutex
	series   map[string]indicator.Series
	bands    map[string]indicator.BandSeries
	trueRng  []float64
}

// NewStock builds a Stock from candles. Candles are sorted by time and rows
// failing OHLC sanity are dropped, mirroring the data provider contract.
// Returns ErrDataUnavailable when nothing survives.
func NewStock(symbol string, candles []types.Candle) (*Stock, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	kept := make([]types.Candle, 0, len(candles))
	for _, c := range candles {
		if c.IsValid() {
			kept = append(kept, c)
		}
	}

	if len(kept) == 0 {
		return nil, fmt.Errorf("stock %s: %w", symbol, types.ErrDataUnavailable)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Time.Before(kept[j].Time) })

	return &Stock{
		Symbol:  symbol,
		candles: kept,
		series:  make(map[string]indicator.Series),
		bands:   make(map[string]indicator.BandSeries),
	}, nil
}

// Len returns the number of bars.
func (s *Stock) Len() int { return len(s.candles) }

// Clamp bounds an index into [0, Len-1].
func (s *Stock) Clamp(i int) int {
	if i < 0 {
		return 0
	}

	if i >= len(s.candles) {
		return len(s.candles) - 1
	}

	return i
}

// ToIloc resolves a YYYY-MM-DD date string to an integer bar index using
// binary search with a nearest-preceding-trading-day policy: a date that
// falls between bars maps to the last bar at or before it.
func (s *Stock) ToIloc(date string) (int, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", date, err)
	}

	// End of the requested day, so a bar stamped on the day itself matches.
	cutoff := t.AddDate(0, 0, 1)

	i := sort.Search(len(s.candles), func(i int) bool {
		return !s.candles[i].Time.Before(cutoff)
	})

	return s.Clamp(i - 1), nil
}

// Candle returns the bar at index i, clamped into range.
func (s *Stock) Candle(i int) types.Candle {
	return s.candles[s.Clamp(i)]
}

// Price returns the close at index i, clamped into range.
func (s *Stock) Price(i int) float64 {
	return s.candles[s.Clamp(i)].Close
}

// Day returns the YYYY-MM-DD trading day of the bar at index i.
func (s *Stock) Day(i int) string {
	return s.candles[s.Clamp(i)].Time.Format("2006-01-02")
}

// TR returns the true range at index i.
func (s *Stock) TR(i int) float64 {
	s.mu.Lock()
	if s.trueRng == nil {
		s.trueRng = indicator.TrueRange(s.candles)
	}
	tr := s.trueRng
	s.mu.Unlock()

	return tr[s.Clamp(i)]
}

// Candles returns the underlying bars for engine-side consumers. Strategy
// code never sees this slice.
func (s *Stock) Candles() []types.Candle { return s.candles }

func (s *Stock) cachedSeries(key string, compute func() indicator.Series) indicator.Series {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.series[key]; ok {
		return cached
	}

	out := compute()
	s.series[key] = out

	return out
}

// SMA returns the cached simple moving average series for the period.
func (s *Stock) SMA(period int) indicator.Series {
	return s.cachedSeries(fmt.Sprintf("sma:%d", period), func() indicator.Series {
		return indicator.SMA(s.candles, period)
	})
}

// EMA returns the cached exponential moving average series for the period.
func (s *Stock) EMA(period int) indicator.Series {
	return s.cachedSeries(fmt.Sprintf("ema:%d", period), func() indicator.Series {
		return indicator.EMA(s.candles, period)
	})
}

// RSI returns the cached relative strength index series for the period.
func (s *Stock) RSI(period int) indicator.Series {
	return s.cachedSeries(fmt.Sprintf("rsi:%d", period), func() indicator.Series {
		return indicator.RSI(s.candles, period)
	})
}

// ATR returns the cached average true range series for the period.
func (s *Stock) ATR(period int) indicator.Series {
	return s.cachedSeries(fmt.Sprintf("atr:%d", period), func() indicator.Series {
		return indicator.ATR(s.candles, period)
	})
}

// ADX returns the cached average directional index series for the period.
func (s *Stock) ADX(period int) indicator.Series {
	return s.cachedSeries(fmt.Sprintf("adx:%d", period), func() indicator.Series {
		return indicator.ADX(s.candles, period)
	})
}

// MACD returns the cached MACD series for the period pair.
func (s *Stock) MACD(longPeriod, shortPeriod int) indicator.Series {
	return s.cachedSeries(fmt.Sprintf("macd:%d:%d", longPeriod, shortPeriod), func() indicator.Series {
		return indicator.MACD(s.candles, longPeriod, shortPeriod)
	})
}

// BollingerBands returns the cached band series for the parameters.
func (s *Stock) BollingerBands(period int, dev float64) indicator.BandSeries {
	key := fmt.Sprintf("bb:%d:%g", period, dev)

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.bands[key]; ok {
		return cached
	}

	out := indicator.BollingerBands(s.candles, period, dev)
	s.bands[key] = out

	return out
}
