package indicator

import (
	"github.com/moznion/go-optional"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// MACD returns EMA(short) - EMA(long) over closes. Both legs use the same
// span recursion so the difference is well defined from the first bar, but
// values before `longPeriod` bars are masked as None since the long leg has
// not converged yet.
func MACD(candles []types.Candle, longPeriod, shortPeriod int) Series {
	out := make(Series, len(candles))
	if longPeriod <= 0 || shortPeriod <= 0 || len(candles) <= longPeriod {
		return out
	}

	cs := closes(candles)
	shortEMA := spanEMA(cs, shortPeriod)
	longEMA := spanEMA(cs, longPeriod)

	for i := longPeriod; i < len(cs); i++ {
		out[i] = optional.Some(shortEMA[i] - longEMA[i])
	}

	return out
}
