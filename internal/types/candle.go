package types

import "time"

// Candle is one OHLC observation at a discrete time step.
type Candle struct {
	Time  time.Time `yaml:"time" json:"time" validate:"required"`
	Open  float64   `yaml:"open" json:"open" validate:"gt=0"`
	High  float64   `yaml:"high" json:"high" validate:"gt=0"`
	Low   float64   `yaml:"low" json:"low" validate:"gt=0"`
	Close float64   `yaml:"close" json:"close" validate:"gt=0"`
}

// IsValid reports whether the candle satisfies basic OHLC sanity:
// High >= Low, Open and Close within [Low, High], all values positive.
func (c Candle) IsValid() bool {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return false
	}

	if c.High < c.Low {
		return false
	}

	if c.Open < c.Low || c.Open > c.High {
		return false
	}

	if c.Close < c.Low || c.Close > c.High {
		return false
	}

	return true
}
