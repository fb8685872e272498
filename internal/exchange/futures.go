package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"trading-autopilot/internal/faults"
	"trading-autopilot/internal/logging"
)

// FuturesConfig configures the Binance adapter.
type FuturesConfig struct {
	Testnet           bool    `json:"testnet"`
	MarginAsset       string  `json:"margin_asset"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// DefaultFuturesConfig stays well under the futures weight budget.
func DefaultFuturesConfig() FuturesConfig {
	return FuturesConfig{
		MarginAsset:       "USDT",
		RequestsPerSecond: 10,
		Burst:             20,
	}
}

// FuturesClient talks to Binance USDⓈ-M futures through go-binance. SDK
// clients are cached per API key; all calls share one request limiter.
type FuturesClient struct {
	cfg     FuturesConfig
	limiter *rate.Limiter
	logger  *logging.Logger

	mu      sync.Mutex
	futures map[string]*futures.Client
	spot    map[string]*binance.Client
	public  *futures.Client
}

// NewFuturesClient creates the adapter. Testnet selection is process-wide
// in go-binance, so it is applied here once.
func NewFuturesClient(cfg FuturesConfig, logger *logging.Logger) *FuturesClient {
	if cfg.MarginAsset == "" {
		cfg.MarginAsset = "USDT"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	futures.UseTestnet = cfg.Testnet
	binance.UseTestnet = cfg.Testnet

	return &FuturesClient{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.WithComponent("exchange"),
		futures: make(map[string]*futures.Client),
		spot:    make(map[string]*binance.Client),
		public:  futures.NewClient("", ""),
	}
}

func (c *FuturesClient) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return faults.Transient(op, err)
	}
	return nil
}

func (c *FuturesClient) futuresFor(creds *Credentials) (*futures.Client, error) {
	if !creds.Valid() {
		return nil, faults.NewExchangeError("auth", 0, "missing api credentials", faults.ErrAuth)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.futures[creds.APIKey]
	if !ok {
		cl = futures.NewClient(creds.APIKey, creds.APISecret)
		c.futures[creds.APIKey] = cl
	}
	return cl, nil
}

func (c *FuturesClient) spotFor(creds *Credentials) (*binance.Client, error) {
	if !creds.Valid() {
		return nil, faults.NewExchangeError("auth", 0, "missing api credentials", faults.ErrAuth)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.spot[creds.APIKey]
	if !ok {
		cl = binance.NewClient(creds.APIKey, creds.APISecret)
		c.spot[creds.APIKey] = cl
	}
	return cl, nil
}

// Forget drops cached SDK clients for a key, e.g. after credentials rotate.
func (c *FuturesClient) Forget(apiKey string) {
	c.mu.Lock()
	delete(c.futures, apiKey)
	delete(c.spot, apiKey)
	c.mu.Unlock()
}

// AccountBalance returns the margin-asset balance of the futures wallet.
func (c *FuturesClient) AccountBalance(ctx context.Context, creds *Credentials) (*Balance, error) {
	const op = "account_balance"
	cl, err := c.futuresFor(creds)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	balances, err := cl.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	for _, b := range balances {
		if b == nil || !strings.EqualFold(b.Asset, c.cfg.MarginAsset) {
			continue
		}
		return &Balance{
			Asset:         b.Asset,
			Total:         parseFloat(b.Balance),
			Available:     parseFloat(b.AvailableBalance),
			UnrealizedPnL: parseFloat(b.CrossUnPnl),
		}, nil
	}
	return &Balance{Asset: c.cfg.MarginAsset}, nil
}

// Positions returns open positions, optionally filtered to one symbol.
func (c *FuturesClient) Positions(ctx context.Context, creds *Credentials, symbol string) ([]Position, error) {
	const op = "positions"
	cl, err := c.futuresFor(creds)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	svc := cl.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}

	out := make([]Position, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		qty := parseFloat(r.PositionAmt)
		if qty == 0 {
			continue
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, Position{
			Symbol:        r.Symbol,
			Quantity:      qty,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Leverage:      lev,
		})
	}
	return out, nil
}

// HistoricalCandles fetches closed klines from the public endpoint.
func (c *FuturesClient) HistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	const op = "historical_candles"
	symbol = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	if symbol == "" || timeframe == "" {
		return nil, faults.Invalid("symbol", "symbol and timeframe are required")
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	kls, err := c.public.NewKlinesService().Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}

	now := time.Now().UnixMilli()
	out := make([]Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil || kl.CloseTime > now {
			// still forming
			continue
		}
		out = append(out, Candle{
			OpenTime:  time.UnixMilli(kl.OpenTime).UTC(),
			CloseTime: time.UnixMilli(kl.CloseTime).UTC(),
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return out, nil
}

// PlaceOrder submits a market order.
func (c *FuturesClient) PlaceOrder(ctx context.Context, creds *Credentials, spec OrderSpec) (*OrderResult, error) {
	const op = "place_order"
	if spec.Quantity <= 0 {
		return nil, faults.Invalid("quantity", "must be positive, got %v", spec.Quantity)
	}
	side := futures.SideTypeBuy
	switch spec.Side {
	case SideBuy:
	case SideSell:
		side = futures.SideTypeSell
	default:
		return nil, faults.Invalid("side", "unknown side %q", spec.Side)
	}

	cl, err := c.futuresFor(creds)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	svc := cl.NewCreateOrderService().
		Symbol(spec.Symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(spec.Quantity, 'f', -1, 64))
	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if spec.ClientOrderID != "" {
		svc = svc.NewClientOrderID(spec.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}

	c.logger.Info("Order placed",
		"symbol", resp.Symbol, "side", string(spec.Side), "order_id", resp.OrderID, "status", string(resp.Status))

	return &OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Symbol:    resp.Symbol,
		Side:      spec.Side,
		Status:    string(resp.Status),
		FilledQty: parseFloat(resp.ExecutedQuantity),
		AvgPrice:  parseFloat(resp.AvgPrice),
		Timestamp: time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

// TransferToSpot moves funds from the futures wallet to the spot wallet.
func (c *FuturesClient) TransferToSpot(ctx context.Context, creds *Credentials, asset string, amount float64) (*TransferResult, error) {
	const op = "transfer_to_spot"
	if amount <= 0 {
		return nil, faults.Invalid("amount", "must be positive, got %v", amount)
	}
	if asset == "" {
		asset = c.cfg.MarginAsset
	}

	cl, err := c.spotFor(creds)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	resp, err := cl.NewFuturesTransferService().
		Asset(asset).
		Amount(strconv.FormatFloat(amount, 'f', 8, 64)).
		Type(binance.FuturesTransferTypeToMain).
		Do(ctx)
	if err != nil {
		return nil, classify(op, err)
	}

	return &TransferResult{
		TransferID: strconv.FormatInt(resp.TranID, 10),
		Asset:      asset,
		Amount:     amount,
		Timestamp:  time.Now().UTC(),
	}, nil
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

var _ Client = (*FuturesClient)(nil)

// String is used in logs.
func (c *FuturesClient) String() string {
	return fmt.Sprintf("binance-futures(testnet=%t)", c.cfg.Testnet)
}
