// Package exchange implements the custodial matching-and-ledger core: a
// token registry, a balance ledger bridged to external token contracts, a
// per-asset order book with price-time priority, and the matching engine that
// executes market orders against resting limit orders.
package exchange

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side of an order. Wire values are fixed: BUY=0, SELL=1.
type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Opposite returns the side a market order consumes.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide parses "BUY"/"SELL" (case-sensitive, the wire form).
func ParseSide(s string) (Side, bool) {
	switch s {
	case "BUY":
		return Buy, true
	case "SELL":
		return Sell, true
	}
	return 0, false
}

// MaxSymbolLen is the bytes32 bound inherited from the on-chain token list.
const MaxSymbolLen = 32

// ValidSymbol reports whether s is usable as a token symbol.
func ValidSymbol(s string) bool {
	return len(s) > 0 && len(s) <= MaxSymbolLen
}

// Token is a registry entry. Exactly one registered symbol, the quote
// currency, carries Tradable=false.
type Token struct {
	Symbol   string
	Address  common.Address
	Tradable bool
}

// Order is a resting limit order. Created by CreateLimitOrder, mutated only by
// the engine's matching loop, removed for good once Filled == Amount. Market
// orders are never represented: they exist only transiently during matching.
type Order struct {
	ID     uint64 // monotonic, never reused; also the FIFO tie-break
	Trader common.Address
	Symbol string
	Side   Side
	Amount *uint256.Int // requested quantity, fixed at creation
	Filled *uint256.Int // 0 <= Filled <= Amount
	Price  *uint256.Int // quote units per base unit
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() *uint256.Int {
	return new(uint256.Int).Sub(o.Amount, o.Filled)
}

// Trade is one executed fill. Immutable once emitted.
type Trade struct {
	ID        uint64 // monotonic
	Symbol    string
	Buyer     common.Address
	Seller    common.Address
	Amount    *uint256.Int
	Price     *uint256.Int
	Timestamp int64 // unix milliseconds
}
