package indicator

import (
	"math"

	"github.com/moznion/go-optional"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// IndicatorType identifies a technical indicator.
type IndicatorType string

const (
	IndicatorTypeSMA            IndicatorType = "sma"
	IndicatorTypeEMA            IndicatorType = "ema"
	IndicatorTypeRSI            IndicatorType = "rsi"
	IndicatorTypeATR            IndicatorType = "atr"
	IndicatorTypeADX            IndicatorType = "adx"
	IndicatorTypeMACD           IndicatorType = "macd"
	IndicatorTypeBollingerBands IndicatorType = "bollinger_bands"
)

// Series is an indicator output aligned with the candle sequence. Values are
// None until enough history has accumulated.
type Series []optional.Option[float64]

// Band is one Bollinger sample: upper, middle, lower.
type Band struct {
	Upper  optional.Option[float64]
	Middle optional.Option[float64]
	Lower  optional.Option[float64]
}

// BandSeries is a Bollinger Bands output aligned with the candle sequence.
type BandSeries []Band

func closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}

	return out
}

// TrueRange returns the true range series: max(H-L, |H-prevC|, |L-prevC|),
// with the first element degraded to H-L since there is no previous close.
func TrueRange(candles []types.Candle) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low

			continue
		}

		prevClose := candles[i-1].Close
		hl := c.High - c.Low
		hc := math.Abs(c.High - prevClose)
		lc := math.Abs(c.Low - prevClose)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	return tr
}
