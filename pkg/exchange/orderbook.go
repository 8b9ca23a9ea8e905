package exchange

// OrderBook holds the resting limit orders for one symbol: a BUY sequence
// strictly descending by price and a SELL sequence strictly ascending, each
// FIFO among equal prices. It is a pure ordered container; matching, balance
// checks, and locking all live in the engine.
type OrderBook struct {
	symbol string
	buys   []*Order // descending price; index 0 pays the most
	sells  []*Order // ascending price; index 0 asks the least
}

func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{symbol: symbol}
}

func (b *OrderBook) Symbol() string { return b.symbol }

// Insert places the order at the index that preserves the side's sort rule,
// scanning linearly from the priority end. Equal prices fall through the
// scan, so earlier arrivals keep priority.
func (b *OrderBook) Insert(o *Order) {
	side := b.side(o.Side)
	i := 0
	if o.Side == Buy {
		for i < len(*side) && !(*side)[i].Price.Lt(o.Price) {
			i++
		}
	} else {
		for i < len(*side) && !(*side)[i].Price.Gt(o.Price) {
			i++
		}
	}
	*side = append(*side, nil)
	copy((*side)[i+1:], (*side)[i:])
	(*side)[i] = o
}

// resting returns the live sequence for matching, priority end first.
func (b *OrderBook) resting(s Side) []*Order {
	return *b.side(s)
}

// Prune removes every fully filled order from the side, preserving the
// relative order of the rest. Removed orders are never reinstated.
func (b *OrderBook) Prune(s Side) {
	side := b.side(s)
	kept := (*side)[:0]
	for _, o := range *side {
		if o.Filled.Lt(o.Amount) {
			kept = append(kept, o)
		}
	}
	*side = kept
}

// Snapshot returns the current sequence without exposing the live orders.
func (b *OrderBook) Snapshot(s Side) []Order {
	src := *b.side(s)
	out := make([]Order, len(src))
	for i, o := range src {
		out[i] = Order{
			ID:     o.ID,
			Trader: o.Trader,
			Symbol: o.Symbol,
			Side:   o.Side,
			Amount: o.Amount.Clone(),
			Filled: o.Filled.Clone(),
			Price:  o.Price.Clone(),
		}
	}
	return out
}

func (b *OrderBook) side(s Side) *[]*Order {
	if s == Buy {
		return &b.buys
	}
	return &b.sells
}
