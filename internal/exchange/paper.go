package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading-autopilot/internal/faults"
)

// MarketData is the read-only part of Client a paper account needs for
// prices and candles.
type MarketData interface {
	HistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// PaperConfig configures simulated accounts.
type PaperConfig struct {
	InitialBalance float64 `json:"initial_balance"`
	FeeRate        float64 `json:"fee_rate"`
	Asset          string  `json:"asset"`
}

// DefaultPaperConfig mirrors a small futures account with taker fees.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{InitialBalance: 10000, FeeRate: 0.0004, Asset: "USDT"}
}

type paperPosition struct {
	qty   float64
	entry float64
}

type paperAccount struct {
	balance   float64
	positions map[string]*paperPosition
	orders    int
}

// PaperClient simulates fills at the last known price. Accounts are keyed
// by API key so each user keeps an isolated ledger. Candles come from the
// wrapped MarketData when set, otherwise from SetCandles.
type PaperClient struct {
	cfg    PaperConfig
	market MarketData

	mu       sync.Mutex
	accounts map[string]*paperAccount
	candles  map[string][]Candle
	prices   map[string]float64

	// Fail, when set, is consulted before every call and its error returned.
	Fail func(op string) error
}

// NewPaperClient creates a paper exchange. market may be nil.
func NewPaperClient(cfg PaperConfig, market MarketData) *PaperClient {
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	return &PaperClient{
		cfg:      cfg,
		market:   market,
		accounts: make(map[string]*paperAccount),
		candles:  make(map[string][]Candle),
		prices:   make(map[string]float64),
	}
}

func (p *PaperClient) fail(op string) error {
	if p.Fail == nil {
		return nil
	}
	return p.Fail(op)
}

func (p *PaperClient) accountLocked(creds *Credentials) (*paperAccount, error) {
	if !creds.Valid() {
		return nil, faults.NewExchangeError("auth", 0, "missing api credentials", faults.ErrAuth)
	}
	acc, ok := p.accounts[creds.APIKey]
	if !ok {
		acc = &paperAccount{balance: p.cfg.InitialBalance, positions: make(map[string]*paperPosition)}
		p.accounts[creds.APIKey] = acc
	}
	return acc, nil
}

// SetBalance overrides an account's wallet balance.
func (p *PaperClient) SetBalance(creds *Credentials, balance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acc, err := p.accountLocked(creds); err == nil {
		acc.balance = balance
	}
}

// SetCandles installs a candle series for symbol and marks its last close.
func (p *PaperClient) SetCandles(symbol string, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candles[symbol] = append([]Candle(nil), candles...)
	if n := len(candles); n > 0 {
		p.prices[symbol] = candles[n-1].Close
	}
}

// SetPrice sets the fill price for symbol.
func (p *PaperClient) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// OrderCount returns how many orders an account has filled.
func (p *PaperClient) OrderCount(creds *Credentials) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acc, ok := p.accounts[creds.APIKey]; ok {
		return acc.orders
	}
	return 0
}

func (p *PaperClient) AccountBalance(ctx context.Context, creds *Credentials) (*Balance, error) {
	if err := p.fail("account_balance"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, err := p.accountLocked(creds)
	if err != nil {
		return nil, err
	}

	var upnl, margin float64
	for sym, pos := range acc.positions {
		mark := p.prices[sym]
		upnl += (mark - pos.entry) * pos.qty
		margin += math.Abs(pos.qty) * pos.entry
	}
	return &Balance{
		Asset:         p.cfg.Asset,
		Total:         acc.balance,
		Available:     math.Max(acc.balance-margin, 0),
		UnrealizedPnL: upnl,
	}, nil
}

func (p *PaperClient) Positions(ctx context.Context, creds *Credentials, symbol string) ([]Position, error) {
	if err := p.fail("positions"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, err := p.accountLocked(creds)
	if err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(acc.positions))
	for sym, pos := range acc.positions {
		if symbol != "" && sym != symbol {
			continue
		}
		mark := p.prices[sym]
		out = append(out, Position{
			Symbol:        sym,
			Quantity:      pos.qty,
			EntryPrice:    pos.entry,
			MarkPrice:     mark,
			UnrealizedPnL: (mark - pos.entry) * pos.qty,
			Leverage:      1,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperClient) HistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if err := p.fail("historical_candles"); err != nil {
		return nil, err
	}
	if p.market != nil {
		candles, err := p.market.HistoricalCandles(ctx, symbol, timeframe, limit)
		if err != nil {
			return nil, err
		}
		if n := len(candles); n > 0 {
			p.SetPrice(symbol, candles[n-1].Close)
		}
		return candles, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	series := p.candles[symbol]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return append([]Candle(nil), series...), nil
}

// PlaceOrder fills the whole quantity at the current price, netting against
// any open position and realizing PnL on the reduced part.
func (p *PaperClient) PlaceOrder(ctx context.Context, creds *Credentials, spec OrderSpec) (*OrderResult, error) {
	const op = "place_order"
	if err := p.fail(op); err != nil {
		return nil, err
	}
	if spec.Quantity <= 0 {
		return nil, faults.Invalid("quantity", "must be positive, got %v", spec.Quantity)
	}
	if spec.Side != SideBuy && spec.Side != SideSell {
		return nil, faults.Invalid("side", "unknown side %q", spec.Side)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acc, err := p.accountLocked(creds)
	if err != nil {
		return nil, err
	}
	price, ok := p.prices[spec.Symbol]
	if !ok || price <= 0 {
		return nil, faults.NewExchangeError(op, 0, fmt.Sprintf("no price for %s", spec.Symbol), nil)
	}

	signed := spec.Quantity
	if spec.Side == SideSell {
		signed = -signed
	}
	pos := acc.positions[spec.Symbol]
	if pos == nil {
		pos = &paperPosition{}
	}
	if spec.ReduceOnly && (pos.qty == 0 || sameSign(pos.qty, signed)) {
		return nil, faults.NewExchangeError(op, 0, "reduce-only order would increase position", nil)
	}

	fee := spec.Quantity * price * p.cfg.FeeRate
	opening := signed
	if pos.qty != 0 && !sameSign(pos.qty, signed) {
		closing := math.Min(math.Abs(signed), math.Abs(pos.qty))
		dir := 1.0
		if pos.qty < 0 {
			dir = -1.0
		}
		acc.balance += (price - pos.entry) * closing * dir
		pos.qty -= closing * dir
		opening = signed + closing*dir
	}
	if opening != 0 {
		notional := math.Abs(opening) * price
		if notional+fee > acc.balance {
			return nil, faults.NewExchangeError(op, 0, "margin is insufficient", faults.ErrInsufficientBalance)
		}
		total := pos.qty + opening
		pos.entry = (pos.entry*math.Abs(pos.qty) + price*math.Abs(opening)) / math.Abs(total)
		pos.qty = total
	}
	acc.balance -= fee
	acc.orders++

	if math.Abs(pos.qty) < 1e-12 {
		delete(acc.positions, spec.Symbol)
	} else {
		acc.positions[spec.Symbol] = pos
	}

	return &OrderResult{
		OrderID:   uuid.NewString(),
		Symbol:    spec.Symbol,
		Side:      spec.Side,
		Status:    "FILLED",
		FilledQty: spec.Quantity,
		AvgPrice:  price,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (p *PaperClient) TransferToSpot(ctx context.Context, creds *Credentials, asset string, amount float64) (*TransferResult, error) {
	const op = "transfer_to_spot"
	if err := p.fail(op); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, faults.Invalid("amount", "must be positive, got %v", amount)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, err := p.accountLocked(creds)
	if err != nil {
		return nil, err
	}
	if amount > acc.balance {
		return nil, faults.NewExchangeError(op, 0, "balance not enough", faults.ErrInsufficientBalance)
	}
	acc.balance -= amount
	if asset == "" {
		asset = p.cfg.Asset
	}
	return &TransferResult{
		TransferID: "paper-" + uuid.NewString(),
		Asset:      asset,
		Amount:     amount,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func sameSign(a, b float64) bool { return (a > 0) == (b > 0) }

var _ Client = (*PaperClient)(nil)
