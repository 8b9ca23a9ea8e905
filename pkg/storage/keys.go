package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Prefix-based for range scans, lexicographic ordering
// where replay order matters (tokens by registration index, orders by ID,
// trades by ID).

const (
	prefixToken   = "tok:"   // token list, insertion-ordered
	prefixBalance = "bal:"   // custodial balances
	prefixOrder   = "ord:"   // resting limit orders
	prefixTrade   = "trade:" // trade log
	keyOrderSeq   = "meta:orderseq"
)

// tokenKey orders registry entries by registration index.
// Format: "tok:{index:04d}"
func tokenKey(index int) []byte {
	return []byte(fmt.Sprintf("%s%04d", prefixToken, index))
}

// balanceKey identifies one (trader, symbol) entry.
// Format: "bal:{address}:{symbol}"
func balanceKey(trader common.Address, symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, trader.Hex(), symbol))
}

// orderKey keeps orders per symbol and side in arrival order, so reloading a
// book reinserts with the same FIFO priority.
// Format: "ord:{symbol}:{side}:{orderID:020d}"
func orderKey(symbol string, side uint8, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d:%020d", prefixOrder, symbol, side, id))
}

// tradeKey orders the global trade log by ID.
// Format: "trade:{tradeID:020d}"
func tradeKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixTrade, id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
