package types

import "github.com/moznion/go-optional"

// EquityMetrics summarizes an equity curve.
type EquityMetrics struct {
	StartValue     float64 `yaml:"start_value" json:"start_value"`
	EndValue       float64 `yaml:"end_value" json:"end_value"`
	PnL            float64 `yaml:"pnl" json:"pnl"`
	TotalReturnPct float64 `yaml:"total_return_pct" json:"total_return_pct"`
	// MaxDrawdownPct is the largest peak-to-trough percentage decline of the
	// running maximum, reported as a negative percentage.
	MaxDrawdownPct      float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	MaxDrawdownDuration int     `yaml:"max_drawdown_duration" json:"max_drawdown_duration"`
	PeakValue           float64 `yaml:"peak_value" json:"peak_value"`
	LowValue            float64 `yaml:"low_value" json:"low_value"`
	Points              int     `yaml:"points" json:"points"`
	CAGR                float64 `yaml:"cagr" json:"cagr"`
	SharpeAnnual        float64 `yaml:"sharpe_annual" json:"sharpe_annual"`
	SortinoAnnual       float64 `yaml:"sortino_annual" json:"sortino_annual"`
	CalmarAnnual        float64 `yaml:"calmar_annual" json:"calmar_annual"`
	// Trade-to-trade return stats are percentage changes between consecutive
	// post-trade equity points. The Sharpe-like ratio here is not
	// time-normalized; it is a rough quality signal, not an annualized Sharpe.
	TradeToTradeAvgReturn   float64 `yaml:"trade_to_trade_avg_return" json:"trade_to_trade_avg_return"`
	TradeToTradeStdevReturn float64 `yaml:"trade_to_trade_stdev_return" json:"trade_to_trade_stdev_return"`
	TradeToTradeSharpeLike  float64 `yaml:"trade_to_trade_sharpe_like" json:"trade_to_trade_sharpe_like"`
	// DrawdownSeries is retained in full for charting.
	DrawdownSeries []float64 `yaml:"drawdown_series" json:"drawdown_series"`
}

// TradeMetrics summarizes a trade log. Win rate and profit factor are
// computed over exits only, since entries carry no realized pnl.
type TradeMetrics struct {
	Trades     int     `yaml:"trades" json:"trades"`
	Exits      int     `yaml:"exits" json:"exits"`
	Wins       int     `yaml:"wins" json:"wins"`
	Losses     int     `yaml:"losses" json:"losses"`
	WinRatePct float64 `yaml:"win_rate_pct" json:"win_rate_pct"`
	// ProfitFactor is None when there are no losing exits.
	ProfitFactor     optional.Option[float64] `yaml:"profit_factor" json:"profit_factor"`
	GrossProfit      float64                  `yaml:"gross_profit" json:"gross_profit"`
	GrossLoss        float64                  `yaml:"gross_loss" json:"gross_loss"`
	NetRealizedExits float64                  `yaml:"net_realized_exits" json:"net_realized_exits"`
	AvgWin           float64                  `yaml:"avg_win" json:"avg_win"`
	AvgLoss          float64                  `yaml:"avg_loss" json:"avg_loss"`
	MaxWin           float64                  `yaml:"max_win" json:"max_win"`
	MaxLoss          float64                  `yaml:"max_loss" json:"max_loss"`
}

// SymbolBreakdown is per-symbol realized pnl derived from a trade log.
type SymbolBreakdown struct {
	Symbol      string  `yaml:"symbol" json:"symbol"`
	Trades      int     `yaml:"trades" json:"trades"`
	Exits       int     `yaml:"exits" json:"exits"`
	NetRealized float64 `yaml:"net_realized" json:"net_realized"`
}

// Report is the full analytics output attached to a run.
type Report struct {
	Equity  EquityMetrics     `yaml:"equity" json:"equity"`
	Trades  TradeMetrics      `yaml:"trades" json:"trades"`
	Symbols []SymbolBreakdown `yaml:"symbols" json:"symbols"`
}
