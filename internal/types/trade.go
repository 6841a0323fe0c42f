package types

// TradeType describes what a fill did to the position.
type TradeType string

const (
	TradeTypeLong  TradeType = "long"
	TradeTypeShort TradeType = "short"
	TradeTypeExit  TradeType = "exit"
)

// Side is the direction of a fill used for slippage adjustment.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is an immutable record of one successful portfolio mutation.
type Trade struct {
	Type     TradeType `yaml:"type" json:"type"`
	Symbol   string    `yaml:"symbol" json:"symbol"`
	Quantity float64   `yaml:"quantity" json:"quantity"`
	// Price is the raw close used for the fill before slippage.
	Price float64 `yaml:"price" json:"price"`
	// FillPrice is the execution price after slippage.
	FillPrice float64 `yaml:"fill_price" json:"fill_price"`
	// Amount is the cash delta: negative for entries that consume cash,
	// positive for proceeds.
	Amount     float64 `yaml:"amount" json:"amount"`
	Commission float64 `yaml:"commission" json:"commission"`
	// RealizedPnL is nonzero only when the fill closed (part of) a position.
	// For exits it is net of the exit commission.
	RealizedPnL float64 `yaml:"realized_pnl" json:"realized_pnl"`
	// Index is the bar index the fill was priced at.
	Index int `yaml:"index" json:"index"`
	// Time is the YYYY-MM-DD trading day of the bar.
	Time string `yaml:"time" json:"time"`
}

// EquityPoint is one sample of portfolio value, appended after each trade.
type EquityPoint struct {
	I int     `yaml:"i" json:"i"`
	V float64 `yaml:"v" json:"v"`
	// Time is the trading day of the mutation that produced this point.
	// Empty for synthetic start/end anchors.
	Time string `yaml:"time,omitempty" json:"time,omitempty"`
}

// Position represents current signed holdings of one symbol.
// Quantity > 0 is long, < 0 is short; a position that reaches zero
// quantity is removed from the portfolio.
type Position struct {
	Symbol      string  `yaml:"symbol" json:"symbol"`
	Quantity    float64 `yaml:"quantity" json:"quantity"`
	AvgPrice    float64 `yaml:"avg_price" json:"avg_price"`
	RealizedPnL float64 `yaml:"realized_pnl" json:"realized_pnl"`
}
