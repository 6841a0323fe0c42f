package types

// Settings is the user-tunable simulation configuration applied to every
// portfolio built for a run. Zero means "unlimited" for the constraint
// fields, matching the permissive defaults.
type Settings struct {
	InitialCash float64 `yaml:"initial_cash" json:"initial_cash" jsonschema:"title=Initial Cash,description=Starting capital for each run in USD,minimum=0" validate:"gte=0"`
	// Slippage is a decimal fraction applied adversely per side, e.g. 0.001 = 0.1%.
	Slippage           float64 `yaml:"slippage" json:"slippage" jsonschema:"title=Slippage,minimum=0,maximum=1" validate:"gte=0,lt=1"`
	Commission         float64 `yaml:"commission" json:"commission" jsonschema:"title=Commission Pct,description=Commission as a fraction of notional" validate:"gte=0"`
	CommissionPerOrder float64 `yaml:"commission_per_order" json:"commission_per_order" jsonschema:"title=Commission Per Order" validate:"gte=0"`
	CommissionPerShare float64 `yaml:"commission_per_share" json:"commission_per_share" jsonschema:"title=Commission Per Share" validate:"gte=0"`
	AllowShort         bool    `yaml:"allow_short" json:"allow_short" jsonschema:"title=Allow Short Selling"`
	MaxPositions       int     `yaml:"max_positions" json:"max_positions" jsonschema:"title=Max Open Positions,description=0 means unlimited" validate:"gte=0"`
	MaxPositionPct     float64 `yaml:"max_position_pct" json:"max_position_pct" jsonschema:"title=Max Position Pct of Equity" validate:"gte=0"`
	MinCashReservePct  float64 `yaml:"min_cash_reserve_pct" json:"min_cash_reserve_pct" jsonschema:"title=Min Cash Reserve Pct" validate:"gte=0,lt=1"`
	MinTradeValue      float64 `yaml:"min_trade_value" json:"min_trade_value" jsonschema:"title=Min Trade Value" validate:"gte=0"`
	MaxTradeValue      float64 `yaml:"max_trade_value" json:"max_trade_value" jsonschema:"title=Max Trade Value" validate:"gte=0"`
	MaxOrderQty        int     `yaml:"max_order_qty" json:"max_order_qty" jsonschema:"title=Max Order Quantity" validate:"gte=0"`
	// ShareMinPct is the minimum share increment as a percent of one share:
	// 100 = whole shares, 10 = 0.1 share, 1 = 0.01 share.
	ShareMinPct float64 `yaml:"share_min_pct" json:"share_min_pct" jsonschema:"title=Share Increment Pct" validate:"gte=0"`
	// ShortMarginRequirement approximates Reg-T initial margin: this multiple
	// of short market value is reserved from buying power.
	ShortMarginRequirement float64 `yaml:"short_margin_requirement" json:"short_margin_requirement" jsonschema:"title=Short Margin Requirement" validate:"gte=0"`
	// AutoLiquidateEnd force-closes any open position at the run's final
	// close so sequential runs start from a clean cash baseline.
	AutoLiquidateEnd bool `yaml:"auto_liquidate_end" json:"auto_liquidate_end" jsonschema:"title=Auto Liquidate At End"`
	// BlockLookahead bounds every strategy-visible read to the bar currently
	// being processed.
	BlockLookahead bool `yaml:"block_lookahead" json:"block_lookahead" jsonschema:"title=Block Lookahead"`
}

// DefaultSettings returns the permissive defaults every new user starts with.
func DefaultSettings() Settings {
	return Settings{
		InitialCash:            100000,
		Slippage:               0,
		Commission:             0,
		CommissionPerOrder:     0,
		CommissionPerShare:     0,
		AllowShort:             true,
		MaxPositions:           0,
		MaxPositionPct:         0,
		MinCashReservePct:      0,
		MinTradeValue:          0,
		MaxTradeValue:          0,
		MaxOrderQty:            0,
		ShareMinPct:            10,
		ShortMarginRequirement: 1.5,
		AutoLiquidateEnd:       true,
		BlockLookahead:         true,
	}
}
