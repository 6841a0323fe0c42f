package indicator

import (
	"github.com/moznion/go-optional"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// ATR returns the average true range: seeded at index `period` with the
// plain mean of TR[1..period], then smoothed with factor 1/period. The
// first `period` values are None.
func ATR(candles []types.Candle, period int) Series {
	tr := TrueRange(candles)

	return smoothFromSeed(tr, period)
}

// smoothFromSeed seeds a Wilder-style smoothing at index `period` with the
// mean of values[1..period] and continues with factor 1/period. Indices
// below `period` are None.
func smoothFromSeed(values []float64, period int) Series {
	out := make(Series, len(values))
	if period <= 0 || len(values) <= period {
		return out
	}

	var seed float64
	for i := 1; i <= period; i++ {
		seed += values[i]
	}

	alpha := 1.0 / float64(period)
	smoothed := seed / float64(period)
	out[period] = optional.Some(smoothed)

	for i := period + 1; i < len(values); i++ {
		smoothed = alpha*values[i] + (1-alpha)*smoothed
		out[i] = optional.Some(smoothed)
	}

	return out
}
