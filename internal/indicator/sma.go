package indicator

import (
	"github.com/moznion/go-optional"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// SMA returns the trailing mean of `period` closes. The first period-1
// values are None.
func SMA(candles []types.Candle, period int) Series {
	out := make(Series, len(candles))
	if period <= 0 || len(candles) < period {
		return out
	}

	cs := closes(candles)

	var sum float64

	for i, c := range cs {
		sum += c
		if i >= period {
			sum -= cs[i-period]
		}

		if i >= period-1 {
			out[i] = optional.Some(sum / float64(period))
		}
	}

	return out
}
