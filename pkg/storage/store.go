// Package storage persists the exchange state (token list, custodial
// balances, resting orders, and the trade log) in a Pebble database, so a
// restarted node resumes with the books and balances it shut down with.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Records use decimal strings for 256-bit quantities; the engine converts at
// the boundary.

type TokenRecord struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

type BalanceRecord struct {
	Trader string `json:"trader"`
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

type OrderRecord struct {
	ID     uint64 `json:"id"`
	Trader string `json:"trader"`
	Symbol string `json:"symbol"`
	Side   uint8  `json:"side"`
	Amount string `json:"amount"`
	Filled string `json:"filled"`
	Price  string `json:"price"`
}

type TradeRecord struct {
	ID        uint64 `json:"id"`
	Symbol    string `json:"symbol"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveToken persists one registry entry at its registration index.
func (s *Store) SaveToken(index int, rec TokenRecord) error {
	return s.put(tokenKey(index), rec)
}

// LoadTokens returns the registry in registration order.
func (s *Store) LoadTokens() ([]TokenRecord, error) {
	var out []TokenRecord
	err := s.scan([]byte(prefixToken), func(_, v []byte) error {
		var rec TokenRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// SaveBalance overwrites one (trader, symbol) balance.
func (s *Store) SaveBalance(trader common.Address, symbol string, amount string) error {
	rec := BalanceRecord{Trader: trader.Hex(), Symbol: symbol, Amount: amount}
	return s.put(balanceKey(trader, symbol), rec)
}

func (s *Store) LoadBalances() ([]BalanceRecord, error) {
	var out []BalanceRecord
	err := s.scan([]byte(prefixBalance), func(_, v []byte) error {
		var rec BalanceRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// SaveOrder persists a resting order; overwrites on fill progress.
func (s *Store) SaveOrder(rec OrderRecord) error {
	return s.put(orderKey(rec.Symbol, rec.Side, rec.ID), rec)
}

// DeleteOrder removes a fully filled order.
func (s *Store) DeleteOrder(symbol string, side uint8, id uint64) error {
	return s.db.Delete(orderKey(symbol, side, id), pebble.Sync)
}

// LoadOrders returns every resting order, grouped by symbol and side, in
// arrival order within each group.
func (s *Store) LoadOrders() ([]OrderRecord, error) {
	var out []OrderRecord
	err := s.scan([]byte(prefixOrder), func(_, v []byte) error {
		var rec OrderRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *Store) SaveTrade(rec TradeRecord) error {
	return s.put(tradeKey(rec.ID), rec)
}

// LoadTrades returns the full trade log in ID order.
func (s *Store) LoadTrades() ([]TradeRecord, error) {
	var out []TradeRecord
	err := s.scan([]byte(prefixTrade), func(_, v []byte) error {
		var rec TradeRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// SaveOrderSeq persists the next order ID.
func (s *Store) SaveOrderSeq(next uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	return s.db.Set([]byte(keyOrderSeq), buf[:], pebble.Sync)
}

// LoadOrderSeq returns the next order ID, zero on a fresh database.
func (s *Store) LoadOrderSeq() (uint64, error) {
	v, closer, err := s.db.Get([]byte(keyOrderSeq))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt order seq: %d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *Store) put(key []byte, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(key, data, pebble.Sync)
}

func (s *Store) scan(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Batch groups the writes of one matching step so a market order commits its
// fills, balance moves, and trade records atomically.
type Batch struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

func (b *Batch) SaveBalance(trader common.Address, symbol string, amount string) error {
	rec := BalanceRecord{Trader: trader.Hex(), Symbol: symbol, Amount: amount}
	return b.set(balanceKey(trader, symbol), rec)
}

func (b *Batch) SaveOrder(rec OrderRecord) error {
	return b.set(orderKey(rec.Symbol, rec.Side, rec.ID), rec)
}

func (b *Batch) DeleteOrder(symbol string, side uint8, id uint64) error {
	return b.batch.Delete(orderKey(symbol, side, id), nil)
}

func (b *Batch) SaveTrade(rec TradeRecord) error {
	return b.set(tradeKey(rec.ID), rec)
}

func (b *Batch) SaveOrderSeq(next uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	return b.batch.Set([]byte(keyOrderSeq), buf[:], nil)
}

func (b *Batch) set(key []byte, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.batch.Set(key, data, nil)
}

// Commit writes the batch atomically.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards an uncommitted batch.
func (b *Batch) Close() error {
	return b.batch.Close()
}
