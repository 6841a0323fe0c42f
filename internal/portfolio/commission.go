package portfolio

import "math"

// CommissionModel computes the fee for one fill. The combined model takes
// the maximum over whichever components are configured nonzero: a fixed
// per-order fee, a per-share fee, and a percentage of notional.
type CommissionModel struct {
	PerOrder float64
	PerShare float64
	Pct      float64
}

// Calculate returns the commission in account currency for a fill of
// `quantity` shares at `notional` total value. Zero when no component is
// configured.
func (c CommissionModel) Calculate(quantity, notional float64) float64 {
	var fee float64

	if c.PerOrder > 0 {
		fee = math.Max(fee, c.PerOrder)
	}

	if c.PerShare > 0 {
		fee = math.Max(fee, c.PerShare*math.Abs(quantity))
	}

	if c.Pct > 0 {
		fee = math.Max(fee, c.Pct*notional)
	}

	return fee
}
