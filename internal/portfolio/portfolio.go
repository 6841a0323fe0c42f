package portfolio

import (
	"fmt"
	"math"
	"strings"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/types"
)

// Float comparisons use a small tolerance so repeated decimal round-trips
// do not spuriously reject orders.
const (
	floatTolerance  = 1e-9
	marginTolerance = 1e-6
)

type holding struct {
	stock    *market.Stock
	quantity float64
	avgPrice float64
}

// Portfolio is the replayable cash/position state machine for one unit of
// execution. It is exclusively owned by that unit and never shared between
// goroutines.
type Portfolio struct {
	cash     float64
	settings types.Settings

	positions map[string]*holding
	realized  map[string]float64

	tradeLog    []types.Trade
	equityCurve []types.EquityPoint

	log *logger.Logger
}

// New creates an empty portfolio governed by the given settings. Capital is
// added separately so callers control per-unit allocation.
func New(settings types.Settings, log *logger.Logger) *Portfolio {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Portfolio{
		cash:        0,
		settings:    settings,
		positions:   make(map[string]*holding),
		realized:    make(map[string]float64),
		tradeLog:    nil,
		equityCurve: nil,
		log:         log,
	}
}

// AddCash credits the account.
func (p *Portfolio) AddCash(amount float64) { p.cash += amount }

// Cash returns the current cash balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// Settings returns the settings this portfolio was built with.
func (p *Portfolio) Settings() types.Settings { return p.settings }

// TradeLog returns the recorded trades in order.
func (p *Portfolio) TradeLog() []types.Trade { return p.tradeLog }

// EquityCurve returns the post-trade equity samples in order.
func (p *Portfolio) EquityCurve() []types.EquityPoint { return p.equityCurve }

// GetPosition returns the open position for a symbol, None when flat.
func (p *Portfolio) GetPosition(symbol string) optional.Option[types.Position] {
	h, ok := p.positions[strings.ToUpper(symbol)]
	if !ok {
		return optional.None[types.Position]()
	}

	return optional.Some(types.Position{
		Symbol:      h.stock.Symbol,
		Quantity:    h.quantity,
		AvgPrice:    h.avgPrice,
		RealizedPnL: p.realized[h.stock.Symbol],
	})
}

// Positions returns every open position.
func (p *Portfolio) Positions() []types.Position {
	out := make([]types.Position, 0, len(p.positions))
	for sym, h := range p.positions {
		out = append(out, types.Position{
			Symbol:      sym,
			Quantity:    h.quantity,
			AvgPrice:    h.avgPrice,
			RealizedPnL: p.realized[sym],
		})
	}

	return out
}

// RoundQty rounds a quantity down to the configured share increment:
// share_min_pct 100 = whole shares, 10 = 0.1 share, 1 = 0.01 share.
func (p *Portfolio) RoundQty(qty float64) float64 {
	pct := p.settings.ShareMinPct
	if pct <= 0 {
		pct = 100
	}

	inc := pct / 100.0
	if inc >= 1 {
		return math.Round(qty)
	}

	rounded := math.Round(qty/inc) * inc

	// Two decimals is enough for the supported increments.
	return math.Round(rounded*100) / 100
}

func (p *Portfolio) commission() CommissionModel {
	return CommissionModel{
		PerOrder: p.settings.CommissionPerOrder,
		PerShare: p.settings.CommissionPerShare,
		Pct:      p.settings.Commission,
	}
}

func (p *Portfolio) slippage(side types.Side) float64 {
	slip := p.settings.Slippage
	if side == types.SideBuy {
		return slip
	}

	return -slip
}

// EstimateFillPrice applies the adverse slippage adjustment for a side.
func (p *Portfolio) EstimateFillPrice(side types.Side, rawPrice float64) float64 {
	return rawPrice * (1 + p.slippage(side))
}

// EstimateBuyCost returns the all-in cost (fill price plus commission) of
// buying `quantity` at `rawPrice`. Use for cash checks before EnterLong.
func (p *Portfolio) EstimateBuyCost(quantity, rawPrice float64) float64 {
	qty := p.RoundQty(quantity)
	if qty <= 0 {
		return 0
	}

	fill := p.EstimateFillPrice(types.SideBuy, rawPrice)
	notional := fill * qty

	return notional + p.commission().Calculate(qty, notional)
}

// EstimateSellProceeds returns the net proceeds (fill price minus
// commission) of selling `quantity` at `rawPrice`.
func (p *Portfolio) EstimateSellProceeds(quantity, rawPrice float64) float64 {
	qty := p.RoundQty(quantity)
	if qty <= 0 {
		return 0
	}

	fill := p.EstimateFillPrice(types.SideSell, rawPrice)
	notional := fill * qty

	return notional - p.commission().Calculate(qty, notional)
}

// MaxAffordableBuy returns the largest quantity whose all-in cost fits in
// (1 - reserveFraction) of cash, stepping down by the share increment until
// it fits. Returns 0 when nothing is affordable.
func (p *Portfolio) MaxAffordableBuy(rawPrice, reserveFraction float64) float64 {
	fill := p.EstimateFillPrice(types.SideBuy, rawPrice)
	if fill <= 0 {
		return 0
	}

	maxCost := p.cash * (1 - reserveFraction)

	pct := p.settings.ShareMinPct
	if pct <= 0 {
		pct = 100
	}

	inc := math.Max(0.001, pct/100.0)

	qty := p.RoundQty(maxCost / fill)
	if qty <= 0 {
		return 0
	}

	cost := p.EstimateBuyCost(qty, rawPrice)
	for cost > maxCost && qty > 0 {
		qty = p.RoundQty(math.Max(0, qty-inc))
		if qty <= 0 {
			return 0
		}

		cost = p.EstimateBuyCost(qty, rawPrice)
	}

	if cost <= maxCost {
		return qty
	}

	return 0
}

// Value returns cash plus the market value of every position at the bar's
// close, shorts counting as liabilities. A negative index means "latest".
func (p *Portfolio) Value(index int) float64 {
	value := p.cash

	for _, h := range p.positions {
		i := index
		if i < 0 {
			i = h.stock.Len() - 1
		}

		value += h.stock.Price(i) * h.quantity
	}

	return value
}

// ShortMarketValue returns the absolute market value of short positions.
func (p *Portfolio) ShortMarketValue(index int) float64 {
	var mv float64

	for _, h := range p.positions {
		if h.quantity < 0 {
			i := index
			if i < 0 {
				i = h.stock.Len() - 1
			}

			mv += h.stock.Price(i) * -h.quantity
		}
	}

	return mv
}

// ReservedCash returns short-margin collateral plus the configured cash
// reserve. Reserved cash is excluded from buying power.
func (p *Portfolio) ReservedCash(index int) float64 {
	var reserve float64

	if mv := p.ShortMarketValue(index); mv > 0 {
		reserve += p.settings.ShortMarginRequirement * mv
	}

	if p.settings.MinCashReservePct > 0 {
		reserve += p.settings.MinCashReservePct * math.Max(0, p.Value(index))
	}

	return reserve
}

// BuyingPower returns spendable cash after collateral and reserves.
func (p *Portfolio) BuyingPower(index int) float64 {
	return p.cash - p.ReservedCash(index)
}

type orderCheck struct {
	stock      *market.Stock
	side       types.Side
	quantity   float64
	index      int
	tradeValue float64
	// cashChange is the signed cash delta the fill would cause.
	cashChange float64
}

// checkOrder runs every risk and limit gate. A non-nil result is always a
// *types.RejectError and the caller must leave state untouched.
func (p *Portfolio) checkOrder(c orderCheck) error {
	if c.quantity <= 0 {
		return &types.RejectError{Reason: "quantity must be positive"}
	}

	if q := p.settings.MaxOrderQty; q > 0 && c.quantity > float64(q) {
		return &types.RejectError{Reason: fmt.Sprintf("order quantity exceeds max_order_qty (%d)", q)}
	}

	if v := p.settings.MinTradeValue; v > 0 && c.tradeValue < v {
		return &types.RejectError{Reason: "trade value below min_trade_value"}
	}

	if v := p.settings.MaxTradeValue; v > 0 && c.tradeValue > v {
		return &types.RejectError{Reason: "trade value exceeds max_trade_value"}
	}

	symbol := c.stock.Symbol
	if _, held := p.positions[symbol]; !held {
		if mp := p.settings.MaxPositions; mp > 0 && len(p.positions) >= mp {
			return &types.RejectError{Reason: fmt.Sprintf("max positions reached (%d)", mp)}
		}
	}

	equity := p.Value(c.index)
	if pct := p.settings.MaxPositionPct; pct > 0 && equity > 0 {
		if c.tradeValue > equity*pct+floatTolerance {
			return &types.RejectError{Reason: "trade exceeds max_position_pct cap"}
		}
	}

	if c.side == types.SideBuy && p.settings.MinCashReservePct > 0 && equity > 0 {
		reserve := equity * p.settings.MinCashReservePct
		if p.cash-c.tradeValue < reserve-floatTolerance {
			return &types.RejectError{Reason: "trade would violate min_cash_reserve_pct"}
		}
	}

	if c.cashChange < 0 && p.cash+floatTolerance < -c.cashChange {
		return &types.RejectError{Reason: "not enough cash"}
	}

	// Project margin after the fill.
	positionsAfter := make(map[string]float64, len(p.positions)+1)
	for sym, h := range p.positions {
		positionsAfter[sym] = h.quantity
	}

	delta := c.quantity
	if c.side == types.SideSell {
		delta = -c.quantity
	}

	if post := positionsAfter[symbol] + delta; post == 0 {
		delete(positionsAfter, symbol)
	} else {
		positionsAfter[symbol] = post
	}

	cashAfter := p.cash + c.cashChange
	if cashAfter-p.projectedReserveFor(c.stock, cashAfter, positionsAfter, c.index) < -marginTolerance {
		return &types.RejectError{Reason: "insufficient buying power (margin)"}
	}

	return nil
}

// projectedReserveFor recomputes the cash reserve against hypothetical cash
// and positions before committing a fill. The order's stock is passed in so a
// symbol that is not held yet can still resolve a price.
func (p *Portfolio) projectedReserveFor(stock *market.Stock, cashAfter float64, positionsAfter map[string]float64, index int) float64 {
	equity := cashAfter

	var shortMV float64

	for sym, qty := range positionsAfter {
		var px float64

		if h, ok := p.positions[sym]; ok {
			px = h.stock.Price(index)
		} else if sym == stock.Symbol {
			px = stock.Price(index)
		}

		equity += px * qty
		if qty < 0 {
			shortMV += px * -qty
		}
	}

	var reserve float64
	if shortMV > 0 {
		reserve = p.settings.ShortMarginRequirement * shortMV
	}

	if p.settings.MinCashReservePct > 0 {
		reserve += p.settings.MinCashReservePct * math.Max(0, equity)
	}

	return reserve
}

func (p *Portfolio) appendTrade(t types.Trade, index int) {
	p.tradeLog = append(p.tradeLog, t)
	p.equityCurve = append(p.equityCurve, types.EquityPoint{
		I:    len(p.tradeLog),
		V:    p.Value(index),
		Time: t.Time,
	})
}

func (p *Portfolio) addRealized(symbol string, amount float64) {
	if amount != 0 {
		p.realized[symbol] += amount
	}
}

// EnterLong buys `quantity` shares at bar `index`. Covers any open short
// first; the remainder opens or extends a long. Rejections are silent
// no-ops reported as *types.RejectError.
func (p *Portfolio) EnterLong(stock *market.Stock, quantity float64, index int) error {
	qty := p.RoundQty(quantity)
	index = stock.Clamp(index)

	rawPrice := stock.Price(index)
	fill := p.EstimateFillPrice(types.SideBuy, rawPrice)
	notional := fill * qty
	commission := p.commission().Calculate(qty, notional)
	cost := notional + commission

	if err := p.checkOrder(orderCheck{
		stock:      stock,
		side:       types.SideBuy,
		quantity:   qty,
		index:      index,
		tradeValue: cost,
		cashChange: -cost,
	}); err != nil {
		p.log.Debug("long entry rejected",
			zap.String("symbol", stock.Symbol),
			zap.Float64("quantity", qty),
			zap.Error(err),
		)

		return err
	}

	symbol := stock.Symbol
	h := p.positions[symbol]

	var realized float64

	switch {
	case h == nil:
		p.positions[symbol] = &holding{stock: stock, quantity: qty, avgPrice: fill}
	case h.quantity >= 0:
		newQty := h.quantity + qty
		h.avgPrice = (h.avgPrice*h.quantity + fill*qty) / newQty
		h.quantity = newQty
	default:
		// Short cover, possibly flipping long with the remainder.
		coverQty := math.Min(qty, -h.quantity)
		realized = pnl(h.avgPrice, fill, coverQty, 0)
		remaining := qty - coverQty
		h.quantity += coverQty

		if h.quantity == 0 {
			if remaining > 0 {
				h.quantity = remaining
				h.avgPrice = fill
			} else {
				delete(p.positions, symbol)
			}
		}
	}

	p.addRealized(symbol, realized)
	p.cash -= cost

	p.appendTrade(types.Trade{
		Type:        types.TradeTypeLong,
		Symbol:      symbol,
		Quantity:    qty,
		Price:       rawPrice,
		FillPrice:   fill,
		Amount:      -cost,
		Commission:  commission,
		RealizedPnL: realized,
		Index:       index,
		Time:        stock.Day(index),
	}, index)

	return nil
}

// EnterShort sells `quantity` shares short at bar `index`. Closes any open
// long first; the remainder opens or extends a short.
func (p *Portfolio) EnterShort(stock *market.Stock, quantity float64, index int) error {
	if !p.settings.AllowShort {
		return &types.RejectError{Reason: "short selling is disabled"}
	}

	qty := p.RoundQty(quantity)
	index = stock.Clamp(index)

	rawPrice := stock.Price(index)
	fill := p.EstimateFillPrice(types.SideSell, rawPrice)
	notional := fill * qty
	commission := p.commission().Calculate(qty, notional)
	proceeds := notional - commission

	if err := p.checkOrder(orderCheck{
		stock:      stock,
		side:       types.SideSell,
		quantity:   qty,
		index:      index,
		tradeValue: notional,
		cashChange: proceeds,
	}); err != nil {
		p.log.Debug("short entry rejected",
			zap.String("symbol", stock.Symbol),
			zap.Float64("quantity", qty),
			zap.Error(err),
		)

		return err
	}

	symbol := stock.Symbol
	h := p.positions[symbol]

	var realized float64

	switch {
	case h == nil:
		p.positions[symbol] = &holding{stock: stock, quantity: -qty, avgPrice: fill}
	case h.quantity <= 0:
		oldAbs := -h.quantity
		newQty := h.quantity - qty
		h.avgPrice = (h.avgPrice*oldAbs + fill*qty) / -newQty
		h.quantity = newQty
	default:
		// Long reduction, possibly flipping short with the remainder.
		sellQty := math.Min(qty, h.quantity)
		realized = pnl(fill, h.avgPrice, sellQty, 0)
		remaining := qty - sellQty
		h.quantity -= sellQty

		if h.quantity == 0 {
			if remaining > 0 {
				h.quantity = -remaining
				h.avgPrice = fill
			} else {
				delete(p.positions, symbol)
			}
		}
	}

	p.addRealized(symbol, realized)
	p.cash += proceeds

	p.appendTrade(types.Trade{
		Type:        types.TradeTypeShort,
		Symbol:      symbol,
		Quantity:    qty,
		Price:       rawPrice,
		FillPrice:   fill,
		Amount:      proceeds,
		Commission:  commission,
		RealizedPnL: realized,
		Index:       index,
		Time:        stock.Day(index),
	}, index)

	return nil
}

// Exit closes up to the held quantity at bar `index`, realizing pnl net of
// the exit commission and releasing short margin proportionally. Requesting
// more than the held size is rejected with state unchanged.
func (p *Portfolio) Exit(stock *market.Stock, quantity float64, index int) error {
	qty := p.RoundQty(quantity)
	index = stock.Clamp(index)

	if qty <= 0 {
		return &types.RejectError{Reason: "quantity must be positive"}
	}

	symbol := stock.Symbol

	h, ok := p.positions[symbol]
	if !ok {
		return &types.RejectError{Reason: "no open position for " + symbol}
	}

	if qty > math.Abs(h.quantity) {
		return &types.RejectError{Reason: "quantity exceeds position size"}
	}

	rawPrice := stock.Price(index)

	var (
		fill, commission, amount, realized float64
	)

	if h.quantity > 0 {
		fill = p.EstimateFillPrice(types.SideSell, rawPrice)
		notional := fill * qty
		commission = p.commission().Calculate(qty, notional)
		amount = notional - commission
		realized = pnl(fill, h.avgPrice, qty, commission)
		h.quantity -= qty
	} else {
		fill = p.EstimateFillPrice(types.SideBuy, rawPrice)
		notional := fill * qty
		commission = p.commission().Calculate(qty, notional)
		amount = -(notional + commission)
		realized = pnl(h.avgPrice, fill, qty, commission)
		h.quantity += qty
	}

	p.cash += amount
	p.addRealized(symbol, realized)

	if h.quantity == 0 {
		delete(p.positions, symbol)
	}

	p.appendTrade(types.Trade{
		Type:        types.TradeTypeExit,
		Symbol:      symbol,
		Quantity:    qty,
		Price:       rawPrice,
		FillPrice:   fill,
		Amount:      amount,
		Commission:  commission,
		RealizedPnL: realized,
		Index:       index,
		Time:        stock.Day(index),
	}, index)

	return nil
}

// ForceCloseAll exits every open position at bar `index`. Used when
// auto_liquidate_end is set so sequential runs start from a clean cash
// baseline.
func (p *Portfolio) ForceCloseAll(index int) {
	// Snapshot first: Exit mutates the map.
	open := make([]*holding, 0, len(p.positions))
	for _, h := range p.positions {
		open = append(open, h)
	}

	for _, h := range open {
		if err := p.Exit(h.stock, math.Abs(h.quantity), index); err != nil {
			p.log.Warn("force close failed",
				zap.String("symbol", h.stock.Symbol),
				zap.Error(err),
			)
		}
	}
}

// pnl computes (a - b) * qty - fee with decimal arithmetic so repeated
// float rounding does not leak into realized results.
func pnl(a, b, qty, fee float64) float64 {
	diff := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b))
	gross := diff.Mul(decimal.NewFromFloat(qty))
	out, _ := gross.Sub(decimal.NewFromFloat(fee)).Float64()

	return out
}
