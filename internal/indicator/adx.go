package indicator

import (
	"math"

	"github.com/moznion/go-optional"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// ADX returns the average directional index derived from smoothed +DM/-DM
// against ATR. The directional index itself needs `period` bars and its
// smoothing needs another `period`, so values before index 2*period-1 are
// None.
func ADX(candles []types.Candle, period int) Series {
	n := len(candles)
	out := make(Series, n)

	if period <= 0 || n < 2*period+1 {
		return out
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		up := candles[i].High - candles[i-1].High
		down := candles[i-1].Low - candles[i].Low

		if up > down && up > 0 {
			plusDM[i] = up
		}

		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	atr := ATR(candles, period)
	smoothPlus := smoothFromSeed(plusDM, period)
	smoothMinus := smoothFromSeed(minusDM, period)

	// Directional index per bar, defined from index `period` on.
	dx := make([]float64, n)

	for i := period; i < n; i++ {
		atrVal := atr[i].TakeOr(0)

		var pdi, mdi float64
		if atrVal > 0 {
			pdi = 100 * smoothPlus[i].TakeOr(0) / atrVal
			mdi = 100 * smoothMinus[i].TakeOr(0) / atrVal
		}

		if sum := pdi + mdi; sum > 0 {
			dx[i] = 100 * math.Abs(pdi-mdi) / sum
		}
	}

	var seed float64
	for i := period; i < 2*period; i++ {
		seed += dx[i]
	}

	alpha := 1.0 / float64(period)
	adx := seed / float64(period)
	out[2*period-1] = optional.Some(adx)

	for i := 2 * period; i < n; i++ {
		adx = alpha*dx[i] + (1-alpha)*adx
		out[i] = optional.Some(adx)
	}

	return out
}
