package indicator

import (
	"math"

	"github.com/moznion/go-optional"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// BollingerBands returns SMA(period) +/- dev * sample standard deviation
// over the same window. The first period-1 bands are None.
func BollingerBands(candles []types.Candle, period int, dev float64) BandSeries {
	out := make(BandSeries, len(candles))
	if period <= 1 || len(candles) < period {
		return out
	}

	cs := closes(candles)
	middle := SMA(candles, period)

	for i := period - 1; i < len(cs); i++ {
		mean := middle[i].TakeOr(0)

		var ss float64
		for j := i - period + 1; j <= i; j++ {
			d := cs[j] - mean
			ss += d * d
		}

		// Sample stdev (ddof=1) to match the rolling-window convention.
		stdev := math.Sqrt(ss / float64(period-1))

		out[i] = Band{
			Upper:  optional.Some(mean + dev*stdev),
			Middle: optional.Some(mean),
			Lower:  optional.Some(mean - dev*stdev),
		}
	}

	return out
}
