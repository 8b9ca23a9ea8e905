package api

import (
	"github.com/holiman/uint256"

	"github.com/drachmadex/drachmadex/pkg/exchange"
)

// All amounts and prices on the wire are decimal strings in smallest token
// units. Addresses are 0x-prefixed hex.

type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Tradable bool   `json:"tradable"`
}

type AddTokenRequest struct {
	Caller  string `json:"caller"`
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

type BalanceInfo struct {
	Trader  string `json:"trader"`
	Symbol  string `json:"symbol"`
	Balance string `json:"balance"`
}

type TransferRequest struct {
	Trader string `json:"trader"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

type LimitOrderRequest struct {
	Trader string `json:"trader"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

type LimitOrderResponse struct {
	OrderID uint64 `json:"order_id"`
}

type MarketOrderRequest struct {
	Trader string `json:"trader"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Amount string `json:"amount"`
}

type MarketOrderResponse struct {
	Trades []TradeInfo `json:"trades"`
}

type OrderInfo struct {
	ID     uint64 `json:"order_id"`
	Trader string `json:"trader"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Amount string `json:"amount"`
	Filled string `json:"filled"`
	Price  string `json:"price"`
}

type OrderbookSnapshot struct {
	Symbol string      `json:"symbol"`
	Buys   []OrderInfo `json:"buys"`
	Sells  []OrderInfo `json:"sells"`
}

type TradeInfo struct {
	ID        uint64 `json:"trade_id"`
	Symbol    string `json:"symbol"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client-to-server control message. Channels are
// "trades" for every market or "trades:SYMBOL" for one. A non-nil Since
// replays the log from that trade ID before live delivery begins.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
	Since    *uint64  `json:"since,omitempty"`
}

// WSTradeMessage is pushed to subscribers of trade channels.
type WSTradeMessage struct {
	Type  string    `json:"type"` // "trade"
	Trade TradeInfo `json:"trade"`
}

func orderInfo(o exchange.Order) OrderInfo {
	return OrderInfo{
		ID:     o.ID,
		Trader: o.Trader.Hex(),
		Symbol: o.Symbol,
		Side:   o.Side.String(),
		Amount: o.Amount.Dec(),
		Filled: o.Filled.Dec(),
		Price:  o.Price.Dec(),
	}
}

func tradeInfo(t exchange.Trade) TradeInfo {
	return TradeInfo{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Buyer:     t.Buyer.Hex(),
		Seller:    t.Seller.Hex(),
		Amount:    t.Amount.Dec(),
		Price:     t.Price.Dec(),
		Timestamp: t.Timestamp,
	}
}

func parseAmount(s string) (*uint256.Int, bool) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, false
	}
	return v, true
}
