package types

import "time"

// SegmentLabel tags a walk-forward segment.
type SegmentLabel string

const (
	SegmentFull  SegmentLabel = "full"
	SegmentTrain SegmentLabel = "train"
	SegmentTest  SegmentLabel = "test"
)

// SymbolResult is the outcome of one (symbol, segment) unit.
type SymbolResult struct {
	Symbol      string        `yaml:"symbol" json:"symbol"`
	Segment     SegmentLabel  `yaml:"segment" json:"segment"`
	StartValue  float64       `yaml:"start_value" json:"start_value"`
	EndValue    float64       `yaml:"end_value" json:"end_value"`
	PnL         float64       `yaml:"pnl" json:"pnl"`
	TradeLog    []Trade       `yaml:"trade_log" json:"trade_log"`
	EquityCurve []EquityPoint `yaml:"equity_curve" json:"equity_curve"`
	// Output is anything the strategy printed while running this unit.
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
	// Error is set when the unit failed; the rest of the batch is unaffected.
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
}

// StrategySource is a saved user strategy. Code is validated before every
// save and capped at MaxStrategyCodeLen characters.
type StrategySource struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Code      string    `yaml:"code" json:"code"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// MaxStrategyCodeLen caps strategy source length in characters.
const MaxStrategyCodeLen = 50000

// RunRecord is the immutable snapshot persisted when a backtest completes.
type RunRecord struct {
	ID           string         `yaml:"id" json:"id"`
	StrategyID   string         `yaml:"strategy_id" json:"strategy_id"`
	StrategyName string         `yaml:"strategy_name" json:"strategy_name"`
	Symbols      []string       `yaml:"symbols" json:"symbols"`
	StartDate    string         `yaml:"start_date" json:"start_date"`
	EndDate      string         `yaml:"end_date" json:"end_date"`
	TrainPct     float64        `yaml:"train_pct,omitempty" json:"train_pct,omitempty"`
	Settings     Settings       `yaml:"settings" json:"settings"`
	Results      []SymbolResult `yaml:"results" json:"results"`
	Metrics      *Report        `yaml:"metrics" json:"metrics"`
	TrainMetrics *Report        `yaml:"train_metrics,omitempty" json:"train_metrics,omitempty"`
	TestMetrics  *Report        `yaml:"test_metrics,omitempty" json:"test_metrics,omitempty"`
	EquityCurve  []EquityPoint  `yaml:"equity_curve" json:"equity_curve"`
	CreatedAt    time.Time      `yaml:"created_at" json:"created_at"`
}

// MaxRunRecords is how many run snapshots a listing returns, newest first.
const MaxRunRecords = 25
