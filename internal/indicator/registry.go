package indicator

import (
	"fmt"
	"sync"

	"github.com/stratlab-hq/stratlab/internal/types"
)

// ComputeFunc computes a single-valued indicator series with its default
// parameters. Multi-valued indicators (Bollinger) are exposed separately.
type ComputeFunc func(candles []types.Candle) Series

// Registry manages the available single-series indicators by name.
type Registry interface {
	Register(name IndicatorType, fn ComputeFunc) error
	Get(name IndicatorType) (ComputeFunc, error)
	List() []IndicatorType
}

type registry struct {
	indicators map[IndicatorType]ComputeFunc
	mu         sync.RWMutex
}

// NewRegistry creates a registry preloaded with every built-in indicator at
// its default parameters.
func NewRegistry() Registry {
	r := &registry{indicators: make(map[IndicatorType]ComputeFunc)}

	_ = r.Register(IndicatorTypeSMA, func(c []types.Candle) Series { return SMA(c, 14) })
	_ = r.Register(IndicatorTypeEMA, func(c []types.Candle) Series { return EMA(c, 14) })
	_ = r.Register(IndicatorTypeRSI, func(c []types.Candle) Series { return RSI(c, 14) })
	_ = r.Register(IndicatorTypeATR, func(c []types.Candle) Series { return ATR(c, 14) })
	_ = r.Register(IndicatorTypeADX, func(c []types.Candle) Series { return ADX(c, 14) })
	_ = r.Register(IndicatorTypeMACD, func(c []types.Candle) Series { return MACD(c, 26, 12) })

	return r
}

func (r *registry) Register(name IndicatorType, fn ComputeFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.indicators[name]; exists {
		return fmt.Errorf("Register: indicator with name %s already registered", name)
	}

	r.indicators[name] = fn

	return nil
}

func (r *registry) Get(name IndicatorType) (ComputeFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, exists := r.indicators[name]
	if !exists {
		return nil, fmt.Errorf("Get: indicator with name %s not found", name)
	}

	return fn, nil
}

func (r *registry) List() []IndicatorType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]IndicatorType, 0, len(r.indicators))
	for name := range r.indicators {
		names = append(names, name)
	}

	return names
}
