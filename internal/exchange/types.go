// Package exchange defines the exchange collaborator used by the trading
// core and its two implementations: a Binance USDⓈ-M futures adapter and a
// paper client with simulated fills.
package exchange

import (
	"context"
	"time"
)

// Credentials are per-user API keys. They are never shared across sessions.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet,omitempty"`
}

// Valid reports whether both halves of the key pair are present.
func (c *Credentials) Valid() bool {
	return c != nil && c.APIKey != "" && c.APISecret != ""
}

// Balance of the margin asset in the futures wallet.
type Balance struct {
	Asset         string  `json:"asset"`
	Total         float64 `json:"total"`
	Available     float64 `json:"available"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Position is a net position; Quantity is negative for shorts.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
}

// Candle is one closed kline.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderSpec describes a market order.
type OrderSpec struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// OrderResult is what the exchange reported for a submitted order.
type OrderResult struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Status    string    `json:"status"`
	FilledQty float64   `json:"filled_qty"`
	AvgPrice  float64   `json:"avg_price"`
	Timestamp time.Time `json:"timestamp"`
}

// TransferResult identifies a completed futures-to-spot transfer.
type TransferResult struct {
	TransferID string    `json:"transfer_id"`
	Asset      string    `json:"asset"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// Client is the exchange collaborator. Failures are returned as
// *faults.ExchangeError or *faults.TransientError.
type Client interface {
	AccountBalance(ctx context.Context, creds *Credentials) (*Balance, error)
	Positions(ctx context.Context, creds *Credentials, symbol string) ([]Position, error)
	HistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	PlaceOrder(ctx context.Context, creds *Credentials, spec OrderSpec) (*OrderResult, error)
	TransferToSpot(ctx context.Context, creds *Credentials, asset string, amount float64) (*TransferResult, error)
}

// Closes extracts close prices.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
