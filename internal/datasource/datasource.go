// Package datasource provides historical daily candles: a remote provider, a
// DuckDB-backed local store, and a caching layer that combines the two.
package datasource

import (
	"context"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// Provider fetches daily candles for one symbol over an inclusive date
// window. Dates are YYYY-MM-DD strings.
type Provider interface {
	Candles(ctx context.Context, symbol, start, end string) ([]types.Candle, error)
}
