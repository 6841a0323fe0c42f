package indicator

import (
	"github.com/moznion/go-optional"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// EMA returns the exponential moving average with smoothing factor
// 2/(period+1), seeded by the SMA of the first `period` closes. The first
// period-1 values are None.
func EMA(candles []types.Candle, period int) Series {
	out := make(Series, len(candles))
	if period <= 0 || len(candles) < period {
		return out
	}

	cs := closes(candles)
	alpha := 2.0 / (float64(period) + 1.0)

	var seed float64
	for i := 0; i < period; i++ {
		seed += cs[i]
	}

	ema := seed / float64(period)
	out[period-1] = optional.Some(ema)

	for i := period; i < len(cs); i++ {
		ema = alpha*cs[i] + (1-alpha)*ema
		out[i] = optional.Some(ema)
	}

	return out
}

// spanEMA is the pandas-style span EMA seeded with the first value, used
// internally by MACD so short and long legs share the same recursion base.
func spanEMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || period <= 0 {
		return out
	}

	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]

	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}

	return out
}
