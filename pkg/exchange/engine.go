package exchange

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/drachmadex/drachmadex/params"
	"github.com/drachmadex/drachmadex/pkg/storage"
	"github.com/drachmadex/drachmadex/pkg/token"
	"github.com/drachmadex/drachmadex/pkg/util"
)

// Engine owns the whole exchange state: registry, ledger, books, feed, and
// the order-ID counter. One instance, constructed once, handed to every
// caller. No globals. A single mutex serializes every mutating operation,
// mirroring the atomic-transaction guarantee of the execution environment the
// core was modeled on: each call commits in full or rejects with no effect
// before the next begins.
type Engine struct {
	mu sync.Mutex

	registry *TokenRegistry
	ledger   *Ledger
	books    map[string]*OrderBook
	feed     *TradeFeed

	tokens token.Source
	store  *storage.Store
	clock  util.Clock
	log    *zap.SugaredLogger

	nextOrderID uint64
}

type Options struct {
	Tokens token.Source
	Store  *storage.Store
	Logger *zap.SugaredLogger
	Clock  util.Clock
}

func New(cfg params.Exchange, opts Options) (*Engine, error) {
	if !ValidSymbol(cfg.QuoteSymbol) {
		return nil, fmt.Errorf("invalid quote symbol %q", cfg.QuoteSymbol)
	}
	if !common.IsHexAddress(cfg.Admin) {
		return nil, fmt.Errorf("invalid admin address %q", cfg.Admin)
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}

	e := &Engine{
		registry: NewTokenRegistry(common.HexToAddress(cfg.Admin), cfg.QuoteSymbol),
		ledger:   NewLedger(CustodyAddress),
		books:    make(map[string]*OrderBook),
		feed:     NewTradeFeed(),
		tokens:   opts.Tokens,
		store:    opts.Store,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	if err := e.load(); err != nil {
		return nil, fmt.Errorf("restore state: %w", err)
	}
	return e, nil
}

// load restores persisted state so a restarted node resumes where it left off.
func (e *Engine) load() error {
	tokens, err := e.store.LoadTokens()
	if err != nil {
		return err
	}
	for _, rec := range tokens {
		e.registry.restore(rec.Symbol, common.HexToAddress(rec.Address))
	}

	balances, err := e.store.LoadBalances()
	if err != nil {
		return err
	}
	for _, rec := range balances {
		amount, err := uint256.FromDecimal(rec.Amount)
		if err != nil {
			return fmt.Errorf("balance %s/%s: %w", rec.Trader, rec.Symbol, err)
		}
		e.ledger.restore(common.HexToAddress(rec.Trader), rec.Symbol, amount)
	}

	orders, err := e.store.LoadOrders()
	if err != nil {
		return err
	}
	for _, rec := range orders {
		o, err := orderFromRecord(rec)
		if err != nil {
			return fmt.Errorf("order %d: %w", rec.ID, err)
		}
		e.book(o.Symbol).Insert(o)
	}

	trades, err := e.store.LoadTrades()
	if err != nil {
		return err
	}
	log := make([]Trade, 0, len(trades))
	for _, rec := range trades {
		t, err := tradeFromRecord(rec)
		if err != nil {
			return fmt.Errorf("trade %d: %w", rec.ID, err)
		}
		log = append(log, t)
	}
	e.feed.restore(log)

	e.nextOrderID, err = e.store.LoadOrderSeq()
	return err
}

// Quote returns the designated payment symbol.
func (e *Engine) Quote() string { return e.registry.Quote() }

// Admin returns the address allowed to register tokens.
func (e *Engine) Admin() common.Address { return e.registry.Admin() }

// Custody returns the account the exchange holds token custody under.
func (e *Engine) Custody() common.Address { return e.ledger.Custody() }

// Feed exposes the trade stream for subscribers.
func (e *Engine) Feed() *TradeFeed { return e.feed }

// AddToken registers symbol at addr. Admin only; no revocation exists.
func (e *Engine) AddToken(caller common.Address, symbol string, addr common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.registry.Add(caller, symbol, addr); err != nil {
		return err
	}
	index := len(e.registry.ordered) - 1
	if err := e.store.SaveToken(index, storage.TokenRecord{Symbol: symbol, Address: addr.Hex()}); err != nil {
		return err
	}
	e.log.Infow("token_registered", "symbol", symbol, "address", addr.Hex(), "tradable", symbol != e.registry.Quote())
	return nil
}

// Tokens returns the registry in insertion order.
func (e *Engine) Tokens() []Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Tokens()
}

// Balance returns the tracked custodial balance for (trader, symbol).
func (e *Engine) Balance(trader common.Address, symbol string) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(trader, symbol)
}

// Orders returns the resting orders for one side of a symbol's book, best
// price first, FIFO among equal prices.
func (e *Engine) Orders(symbol string, side Side) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[symbol]
	if !ok {
		return nil
	}
	return b.Snapshot(side)
}

// Deposit pulls amount of symbol from the trader's wallet into custody and
// credits the tracked balance.
func (e *Engine) Deposit(trader common.Address, symbol string, amount *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok, ok := e.registry.Get(symbol)
	if !ok {
		return reject(ErrValidation, "%s is not an allowed token, contact the administrator", symbol)
	}
	if err := requirePositive(amount, "deposit"); err != nil {
		return err
	}
	contract, err := e.tokens.At(tok.Address)
	if err != nil {
		return reject(ErrValidation, "no token contract bound at %s", tok.Address.Hex())
	}

	if err := e.ledger.Deposit(contract, trader, symbol, amount); err != nil {
		return err
	}
	if err := e.saveBalance(trader, symbol); err != nil {
		return err
	}
	e.log.Infow("deposit", "trader", trader.Hex(), "symbol", symbol, "amount", amount.Dec())
	return nil
}

// Withdraw debits the tracked balance and returns amount to the trader's
// wallet.
func (e *Engine) Withdraw(trader common.Address, symbol string, amount *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok, ok := e.registry.Get(symbol)
	if !ok {
		return reject(ErrValidation, "%s is not an allowed token, contact the administrator", symbol)
	}
	if err := requirePositive(amount, "withdraw"); err != nil {
		return err
	}
	contract, err := e.tokens.At(tok.Address)
	if err != nil {
		return reject(ErrValidation, "no token contract bound at %s", tok.Address.Hex())
	}

	if err := e.ledger.Withdraw(contract, trader, symbol, amount); err != nil {
		return err
	}
	if err := e.saveBalance(trader, symbol); err != nil {
		return err
	}
	e.log.Infow("withdraw", "trader", trader.Hex(), "symbol", symbol, "amount", amount.Dec())
	return nil
}

// CreateLimitOrder validates and rests a limit order. Limit orders never
// match at creation, they only rest; the book is consumed exclusively by
// market orders. Returns the new order ID.
func (e *Engine) CreateLimitOrder(trader common.Address, symbol string, amount, price *uint256.Int, side Side) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireTradable(symbol); err != nil {
		return 0, err
	}
	if err := requirePositive(amount, "trade"); err != nil {
		return 0, err
	}
	if price == nil || price.IsZero() {
		return 0, reject(ErrValidation, "the limit price must be greater than 0")
	}

	quote := e.registry.Quote()
	if side == Sell {
		if e.ledger.Balance(trader, symbol).Lt(amount) {
			return 0, reject(ErrInsufficientBalance, "not enough %s balance to place a SELL order", symbol)
		}
	} else {
		cost, overflow := new(uint256.Int).MulOverflow(amount, price)
		if overflow {
			return 0, reject(ErrValidation, "order value overflows")
		}
		if e.ledger.Balance(trader, quote).Lt(cost) {
			return 0, reject(ErrInsufficientBalance, "not enough %s balance to place a BUY order of that size", quote)
		}
	}

	o := &Order{
		ID:     e.nextOrderID,
		Trader: trader,
		Symbol: symbol,
		Side:   side,
		Amount: amount.Clone(),
		Filled: uint256.NewInt(0),
		Price:  price.Clone(),
	}
	e.nextOrderID++
	e.book(symbol).Insert(o)

	batch := e.store.NewBatch()
	defer batch.Close()
	if err := batch.SaveOrder(orderToRecord(o)); err != nil {
		return 0, err
	}
	if err := batch.SaveOrderSeq(e.nextOrderID); err != nil {
		return 0, err
	}
	if err := batch.Commit(); err != nil {
		return 0, err
	}

	e.log.Infow("limit_order_resting",
		"order_id", o.ID, "trader", trader.Hex(), "symbol", symbol,
		"side", side.String(), "amount", amount.Dec(), "price", price.Dec())
	return o.ID, nil
}

// fillStep is one planned execution step against a resting order.
type fillStep struct {
	maker *Order
	qty   *uint256.Int
	cost  *uint256.Int // qty x maker price, in quote units
}

// CreateMarketOrder executes immediately against the opposite side of the
// book, best price first, FIFO among equal prices. Partial fills land on the
// resting orders; any unmatched remainder of the market order is discarded,
// never stored. The whole call is all-or-nothing: a balance shortfall
// anywhere in the scan, including the incremental quote check for a BUY,
// rejects the call with zero observable effect.
func (e *Engine) CreateMarketOrder(trader common.Address, symbol string, amount *uint256.Int, side Side) ([]Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireTradable(symbol); err != nil {
		return nil, err
	}
	if err := requirePositive(amount, "trade"); err != nil {
		return nil, err
	}

	quote := e.registry.Quote()
	if side == Sell && e.ledger.Balance(trader, symbol).Lt(amount) {
		return nil, reject(ErrInsufficientBalance, "not enough %s balance in the exchange, deposit more", symbol)
	}

	book := e.book(symbol)
	plan, balances, err := e.planFills(trader, symbol, amount, side)
	if err != nil {
		return nil, err
	}

	// Stage everything into one batch first. Books and ledger are only
	// touched once the batch is durable, so a failed commit leaves no
	// in-memory residue either.
	batch := e.store.NewBatch()
	defer batch.Close()

	now := e.clock.Now().UnixMilli()
	trades := make([]Trade, 0, len(plan))
	for _, step := range plan {
		buyer, seller := trader, step.maker.Trader
		if side == Sell {
			buyer, seller = step.maker.Trader, trader
		}

		t := Trade{
			ID:        e.feed.Len() + uint64(len(trades)),
			Symbol:    symbol,
			Buyer:     buyer,
			Seller:    seller,
			Amount:    step.qty.Clone(),
			Price:     step.maker.Price.Clone(),
			Timestamp: now,
		}
		trades = append(trades, t)

		if err := batch.SaveTrade(tradeToRecord(t)); err != nil {
			return nil, err
		}
		filled := new(uint256.Int).Add(step.maker.Filled, step.qty)
		if filled.Eq(step.maker.Amount) {
			if err := batch.DeleteOrder(symbol, uint8(step.maker.Side), step.maker.ID); err != nil {
				return nil, err
			}
		} else {
			staged := *step.maker
			staged.Filled = filled
			if err := batch.SaveOrder(orderToRecord(&staged)); err != nil {
				return nil, err
			}
		}
	}
	for key, balance := range balances {
		if err := batch.SaveBalance(key.trader, key.symbol, balance.Dec()); err != nil {
			return nil, err
		}
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}

	for _, step := range plan {
		buyer, seller := trader, step.maker.Trader
		if side == Sell {
			buyer, seller = step.maker.Trader, trader
		}
		step.maker.Filled.Add(step.maker.Filled, step.qty)
		e.ledger.transfer(seller, buyer, symbol, step.qty)
		e.ledger.transfer(buyer, seller, quote, step.cost)
	}
	book.Prune(side.Opposite())
	for _, t := range trades {
		e.feed.Append(t)
	}

	filled := uint256.NewInt(0)
	for _, step := range plan {
		filled.Add(filled, step.qty)
	}
	e.log.Infow("market_order_executed",
		"trader", trader.Hex(), "symbol", symbol, "side", side.String(),
		"requested", amount.Dec(), "filled", filled.Dec(), "fills", len(trades))
	return trades, nil
}

// balanceKey addresses one scratch balance in a fill plan.
type balanceKey struct {
	trader common.Address
	symbol string
}

// planFills walks the opposite side of the book and plans every fill,
// simulating each debit, taker and maker alike, against scratch balances.
// A shortfall anywhere aborts the whole call before any state changes. This
// resolves the abort policy for a BUY that runs out of quote mid-scan in
// favor of full rollback. The returned map holds the post-fill balance of
// every account the plan touches.
func (e *Engine) planFills(trader common.Address, symbol string, amount *uint256.Int, side Side) ([]fillStep, map[balanceKey]*uint256.Int, error) {
	quote := e.registry.Quote()

	sim := make(map[balanceKey]*uint256.Int)
	at := func(a common.Address, sym string) *uint256.Int {
		k := balanceKey{a, sym}
		if b, ok := sim[k]; ok {
			return b
		}
		b := e.ledger.Balance(a, sym)
		sim[k] = b
		return b
	}

	var plan []fillStep
	remaining := amount.Clone()
	for _, maker := range e.book(symbol).resting(side.Opposite()) {
		if remaining.IsZero() {
			break
		}
		qty := maker.Remaining()
		if qty.Gt(remaining) {
			qty.Set(remaining)
		}
		cost, overflow := new(uint256.Int).MulOverflow(qty, maker.Price)
		if overflow {
			return nil, nil, reject(ErrValidation, "fill value overflows")
		}

		buyer, seller := trader, maker.Trader
		if side == Sell {
			buyer, seller = maker.Trader, trader
		}

		// Base leg: seller pays qty, buyer receives it.
		sellerBase := at(seller, symbol)
		if sellerBase.Lt(qty) {
			return nil, nil, reject(ErrInsufficientBalance, "%s cannot cover %s %s for this fill", seller.Hex(), qty.Dec(), symbol)
		}
		sellerBase.Sub(sellerBase, qty)
		at(buyer, symbol).Add(at(buyer, symbol), qty)

		// Quote leg: buyer pays qty x price. For a market BUY this is where
		// the taker's quote balance runs down fill by fill.
		buyerQuote := at(buyer, quote)
		if buyerQuote.Lt(cost) {
			return nil, nil, reject(ErrInsufficientBalance, "not enough %s to buy the requested amount of %s", quote, symbol)
		}
		buyerQuote.Sub(buyerQuote, cost)
		at(seller, quote).Add(at(seller, quote), cost)

		plan = append(plan, fillStep{maker: maker, qty: qty, cost: cost})
		remaining.Sub(remaining, qty)
	}
	return plan, sim, nil
}

// book returns the order book for symbol, creating it on first use.
func (e *Engine) book(symbol string) *OrderBook {
	b, ok := e.books[symbol]
	if !ok {
		b = NewOrderBook(symbol)
		e.books[symbol] = b
	}
	return b
}

func (e *Engine) requireTradable(symbol string) error {
	tok, ok := e.registry.Get(symbol)
	if !ok {
		return reject(ErrValidation, "%s is not an allowed token, contact the administrator", symbol)
	}
	if !tok.Tradable {
		return reject(ErrValidation, "%s is the quote token, it can only be used to pay", symbol)
	}
	return nil
}

func (e *Engine) saveBalance(trader common.Address, symbol string) error {
	return e.store.SaveBalance(trader, symbol, e.ledger.Balance(trader, symbol).Dec())
}

func requirePositive(amount *uint256.Int, what string) error {
	if amount == nil || amount.IsZero() {
		return reject(ErrValidation, "the number of tokens to %s must be greater than 0", what)
	}
	return nil
}

func orderToRecord(o *Order) storage.OrderRecord {
	return storage.OrderRecord{
		ID:     o.ID,
		Trader: o.Trader.Hex(),
		Symbol: o.Symbol,
		Side:   uint8(o.Side),
		Amount: o.Amount.Dec(),
		Filled: o.Filled.Dec(),
		Price:  o.Price.Dec(),
	}
}

func orderFromRecord(rec storage.OrderRecord) (*Order, error) {
	amount, err := uint256.FromDecimal(rec.Amount)
	if err != nil {
		return nil, err
	}
	filled, err := uint256.FromDecimal(rec.Filled)
	if err != nil {
		return nil, err
	}
	price, err := uint256.FromDecimal(rec.Price)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:     rec.ID,
		Trader: common.HexToAddress(rec.Trader),
		Symbol: rec.Symbol,
		Side:   Side(rec.Side),
		Amount: amount,
		Filled: filled,
		Price:  price,
	}, nil
}

func tradeToRecord(t Trade) storage.TradeRecord {
	return storage.TradeRecord{
		ID:        t.ID,
		Symbol:    t.Symbol,
		Buyer:     t.Buyer.Hex(),
		Seller:    t.Seller.Hex(),
		Amount:    t.Amount.Dec(),
		Price:     t.Price.Dec(),
		Timestamp: t.Timestamp,
	}
}

func tradeFromRecord(rec storage.TradeRecord) (Trade, error) {
	amount, err := uint256.FromDecimal(rec.Amount)
	if err != nil {
		return Trade{}, err
	}
	price, err := uint256.FromDecimal(rec.Price)
	if err != nil {
		return Trade{}, err
	}
	return Trade{
		ID:        rec.ID,
		Symbol:    rec.Symbol,
		Buyer:     common.HexToAddress(rec.Buyer),
		Seller:    common.HexToAddress(rec.Seller),
		Amount:    amount,
		Price:     price,
		Timestamp: rec.Timestamp,
	}, nil
}
