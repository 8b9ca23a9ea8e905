package exchange

import (
	"context"
	"sync"
)

// TradeFeed is the append-only stream of executed fills. Records are
// immutable and identified by a monotonic ID equal to their index in the log,
// so a subscription can start from any origin point, including the beginning.
// Delivery is at-least-once: resubscribing replays records already seen, and
// consumers deduplicate by trade ID.
type TradeFeed struct {
	mu   sync.RWMutex
	log  []Trade
	subs map[*feedSub]struct{}
}

type feedSub struct {
	symbol string // empty matches every symbol
	cursor uint64
	notify chan struct{}
	out    chan Trade
}

func NewTradeFeed() *TradeFeed {
	return &TradeFeed{subs: make(map[*feedSub]struct{})}
}

// Append records one fill and wakes subscribers. The engine calls this once
// per execution step, inside its commit.
func (f *TradeFeed) Append(t Trade) {
	f.mu.Lock()
	f.log = append(f.log, t)
	for sub := range f.subs {
		select {
		case sub.notify <- struct{}{}:
		default: // already signalled; the drain loop will catch up
		}
	}
	f.mu.Unlock()
}

// Len returns the number of records emitted so far; the next trade ID.
func (f *TradeFeed) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.log))
}

// Since returns the records for symbol with ID >= fromID. Empty symbol
// matches all.
func (f *TradeFeed) Since(symbol string, fromID uint64) []Trade {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.collect(symbol, fromID)
}

// collect assumes the lock is held.
func (f *TradeFeed) collect(symbol string, fromID uint64) []Trade {
	if fromID > uint64(len(f.log)) {
		fromID = uint64(len(f.log))
	}
	var out []Trade
	for _, t := range f.log[fromID:] {
		if symbol == "" || t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out
}

// Subscribe streams records for symbol starting at fromID: the backlog first,
// then live fills, until ctx is cancelled. The channel is closed on
// cancellation. Empty symbol subscribes to every symbol.
func (f *TradeFeed) Subscribe(ctx context.Context, symbol string, fromID uint64) <-chan Trade {
	sub := &feedSub{
		symbol: symbol,
		cursor: fromID,
		notify: make(chan struct{}, 1),
		out:    make(chan Trade, 64),
	}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go f.run(ctx, sub)
	return sub.out
}

func (f *TradeFeed) run(ctx context.Context, sub *feedSub) {
	defer func() {
		f.mu.Lock()
		delete(f.subs, sub)
		f.mu.Unlock()
		close(sub.out)
	}()

	for {
		f.mu.RLock()
		pending := f.collect(sub.symbol, sub.cursor)
		tip := uint64(len(f.log))
		f.mu.RUnlock()
		sub.cursor = tip

		for _, t := range pending {
			select {
			case sub.out <- t:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-sub.notify:
		case <-ctx.Done():
			return
		}
	}
}

// restore reloads the persisted log at startup so replays from the beginning
// survive restarts. Only valid before any Append or Subscribe.
func (f *TradeFeed) restore(log []Trade) {
	f.log = log
}
