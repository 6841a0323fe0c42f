package indicator

import (
	"github.com/moznion/go-optional"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// RSI returns the relative strength index on a 0-100 scale using smoothed
// average gain/loss with factor 1/period. The first `period` values are
// None. When the average loss is zero the value saturates at 100.
func RSI(candles []types.Candle, period int) Series {
	out := make(Series, len(candles))
	if period <= 0 || len(candles) <= period {
		return out
	}

	cs := closes(candles)
	alpha := 1.0 / float64(period)

	var avgGain, avgLoss float64

	for i := 1; i < len(cs); i++ {
		delta := cs[i] - cs[i-1]

		var gain, loss float64
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}

		avgGain = alpha*gain + (1-alpha)*avgGain
		avgLoss = alpha*loss + (1-alpha)*avgLoss

		if i < period {
			continue
		}

		if avgLoss > 0 {
			rs := avgGain / avgLoss
			out[i] = optional.Some(100.0 - 100.0/(1.0+rs))
		} else {
			out[i] = optional.Some(100.0)
		}
	}

	return out
}
