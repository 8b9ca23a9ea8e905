package exchange

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/drachmadex/drachmadex/params"
	"github.com/drachmadex/drachmadex/pkg/storage"
	"github.com/drachmadex/drachmadex/pkg/token"
	"github.com/drachmadex/drachmadex/pkg/util"
)

// testExchange wires an engine to an in-process token chain and a temporary
// database.
type testExchange struct {
	engine    *Engine
	chain     *token.Local
	contracts map[string]*token.Standard
	dbPath    string
	store     *storage.Store
}

func newTestExchange(t *testing.T) *testExchange {
	t.Helper()
	x := &testExchange{
		chain:     token.NewLocal(),
		contracts: make(map[string]*token.Standard),
		dbPath:    filepath.Join(t.TempDir(), "dex.db"),
	}
	x.open(t)
	// Close whichever store is current when the test ends. reopen already
	// closed any earlier one.
	t.Cleanup(func() { x.store.Close() })
	return x
}

func (x *testExchange) open(t *testing.T) {
	t.Helper()
	store, err := storage.Open(x.dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	x.store = store

	x.engine, err = New(params.Exchange{QuoteSymbol: "DAI", Admin: admin.Hex()}, Options{
		Tokens: x.chain,
		Store:  store,
		Clock:  util.FixedClock{T: time.UnixMilli(1_700_000_000_000)},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
}

// reopen simulates a node restart against the same database.
func (x *testExchange) reopen(t *testing.T) {
	t.Helper()
	if err := x.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	x.open(t)
}

func (x *testExchange) register(t *testing.T, symbol string) {
	t.Helper()
	contract, addr := x.chain.Deploy(symbol)
	x.contracts[symbol] = contract
	if err := x.engine.AddToken(admin, symbol, addr); err != nil {
		t.Fatalf("add token %s: %v", symbol, err)
	}
}

// fund mints into the trader's wallet, approves custody, and deposits.
func (x *testExchange) fund(t *testing.T, trader common.Address, symbol, amount string) {
	t.Helper()
	contract := x.contracts[symbol]
	contract.Faucet(trader, amt(amount))
	contract.Approve(trader, x.engine.Custody(), amt(amount))
	if err := x.engine.Deposit(trader, symbol, amt(amount)); err != nil {
		t.Fatalf("deposit %s %s for %s: %v", amount, symbol, trader.Hex(), err)
	}
}

func (x *testExchange) checkBalance(t *testing.T, trader common.Address, symbol, want string) {
	t.Helper()
	if got := x.engine.Balance(trader, symbol); !got.Eq(amt(want)) {
		t.Errorf("%s balance of %s: got %s, want %s", symbol, trader.Hex(), got.Dec(), want)
	}
}

func TestEngineDepositUnknownToken(t *testing.T) {
	x := newTestExchange(t)

	err := x.engine.Deposit(alice, "REP", amt("100"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestEngineWithdraw(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")

	if err := x.engine.Withdraw(alice, "REP", amt("40")); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	x.checkBalance(t, alice, "REP", "60")
	if got := x.contracts["REP"].BalanceOf(alice); !got.Eq(amt("40")) {
		t.Errorf("alice wallet: got %s, want 40", got.Dec())
	}
}

func TestEngineLimitOrderValidation(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, alice, "DAI", "100")

	cases := []struct {
		name   string
		symbol string
		side   Side
		amount string
		price  string
		want   error
	}{
		{"unknown token", "ZRX", Sell, "10", "1", ErrValidation},
		{"quote token", "DAI", Sell, "10", "1", ErrValidation},
		{"zero amount", "REP", Sell, "0", "1", ErrValidation},
		{"zero price", "REP", Sell, "10", "0", ErrValidation},
		{"sell beyond balance", "REP", Sell, "101", "1", ErrInsufficientBalance},
		{"buy beyond quote", "REP", Buy, "101", "1", ErrInsufficientBalance},
	}
	for _, tc := range cases {
		_, err := x.engine.CreateLimitOrder(alice, tc.symbol, amt(tc.amount), amt(tc.price), tc.side)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	if orders := x.engine.Orders("REP", Sell); len(orders) != 0 {
		t.Errorf("rejected orders must not rest, found %d", len(orders))
	}
}

func TestEngineLimitOrdersRestAndNeverMatch(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, bob, "DAI", "1000")

	sellID, err := x.engine.CreateLimitOrder(alice, "REP", amt("10"), amt("5"), Sell)
	if err != nil {
		t.Fatalf("sell limit: %v", err)
	}
	// A BUY at a higher price crosses the resting SELL, but limit orders only
	// rest; execution comes exclusively from market orders.
	buyID, err := x.engine.CreateLimitOrder(bob, "REP", amt("10"), amt("8"), Buy)
	if err != nil {
		t.Fatalf("buy limit: %v", err)
	}
	if buyID != sellID+1 {
		t.Errorf("order ids must be monotonic: %d then %d", sellID, buyID)
	}

	if got := len(x.engine.Orders("REP", Sell)); got != 1 {
		t.Errorf("sell side: got %d orders, want 1", got)
	}
	if got := len(x.engine.Orders("REP", Buy)); got != 1 {
		t.Errorf("buy side: got %d orders, want 1", got)
	}
	if got := x.engine.Feed().Len(); got != 0 {
		t.Errorf("no trades expected, got %d", got)
	}
	// Balances untouched until a market order executes.
	x.checkBalance(t, alice, "REP", "100")
	x.checkBalance(t, bob, "DAI", "1000")
}

func TestEngineMarketBuyWalksTheBook(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, bob, "DAI", "100")

	// Sell book: 10 @ 5, then 5 @ 10.
	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("10"), amt("5"), Sell); err != nil {
		t.Fatalf("sell 10@5: %v", err)
	}
	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("5"), amt("10"), Sell); err != nil {
		t.Fatalf("sell 5@10: %v", err)
	}

	trades, err := x.engine.CreateMarketOrder(bob, "REP", amt("12"), Buy)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if !trades[0].Amount.Eq(amt("10")) || !trades[0].Price.Eq(amt("5")) {
		t.Errorf("first fill: %s @ %s, want 10 @ 5", trades[0].Amount.Dec(), trades[0].Price.Dec())
	}
	if !trades[1].Amount.Eq(amt("2")) || !trades[1].Price.Eq(amt("10")) {
		t.Errorf("second fill: %s @ %s, want 2 @ 10", trades[1].Amount.Dec(), trades[1].Price.Dec())
	}
	if trades[0].Buyer != bob || trades[0].Seller != alice {
		t.Error("wrong trade parties")
	}

	// 10*5 + 2*10 = 70 quote moves from bob to alice; 12 base the other way.
	x.checkBalance(t, bob, "DAI", "30")
	x.checkBalance(t, bob, "REP", "12")
	x.checkBalance(t, alice, "DAI", "70")
	x.checkBalance(t, alice, "REP", "88")

	// The partially filled maker keeps its place with 3 remaining.
	sells := x.engine.Orders("REP", Sell)
	if len(sells) != 1 {
		t.Fatalf("sell side: got %d orders, want 1", len(sells))
	}
	if remaining := new(uint256.Int).Sub(sells[0].Amount, sells[0].Filled); !remaining.Eq(amt("3")) {
		t.Errorf("maker remaining: got %s, want 3", remaining.Dec())
	}
}

func TestEngineMarketSellWalksTheBook(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, bob, "DAI", "1000")

	// Buy book, best bid first: 10 @ 8, then 10 @ 5.
	if _, err := x.engine.CreateLimitOrder(bob, "REP", amt("10"), amt("5"), Buy); err != nil {
		t.Fatalf("buy 10@5: %v", err)
	}
	if _, err := x.engine.CreateLimitOrder(bob, "REP", amt("10"), amt("8"), Buy); err != nil {
		t.Fatalf("buy 10@8: %v", err)
	}

	trades, err := x.engine.CreateMarketOrder(alice, "REP", amt("15"), Sell)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if !trades[0].Price.Eq(amt("8")) || !trades[1].Price.Eq(amt("5")) {
		t.Errorf("fills must take the best bid first: %s then %s", trades[0].Price.Dec(), trades[1].Price.Dec())
	}

	// 10*8 + 5*5 = 105 quote to alice; 15 base to bob.
	x.checkBalance(t, alice, "DAI", "105")
	x.checkBalance(t, alice, "REP", "85")
	x.checkBalance(t, bob, "REP", "15")
	x.checkBalance(t, bob, "DAI", "895")
}

func TestEngineMarketBuyInsufficientQuoteRollsBackEverything(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, bob, "DAI", "55")

	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("10"), amt("5"), Sell); err != nil {
		t.Fatalf("sell 10@5: %v", err)
	}
	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("5"), amt("10"), Sell); err != nil {
		t.Fatalf("sell 5@10: %v", err)
	}

	// First fill would cost 50, the second 20: bob's 55 runs out mid-scan.
	// The whole call rejects with zero observable effect, including the fill
	// that was individually affordable.
	_, err := x.engine.CreateMarketOrder(bob, "REP", amt("12"), Buy)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	x.checkBalance(t, bob, "DAI", "55")
	x.checkBalance(t, bob, "REP", "0")
	x.checkBalance(t, alice, "DAI", "0")
	x.checkBalance(t, alice, "REP", "100")
	if got := x.engine.Feed().Len(); got != 0 {
		t.Errorf("no trades expected, got %d", got)
	}
	for _, o := range x.engine.Orders("REP", Sell) {
		if !o.Filled.IsZero() {
			t.Errorf("order %d partially filled after rollback: %s", o.ID, o.Filled.Dec())
		}
	}
}

func TestEngineMarketOrderRemainderIsDiscarded(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, bob, "DAI", "100")

	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("5"), amt("5"), Sell); err != nil {
		t.Fatalf("sell 5@5: %v", err)
	}

	trades, err := x.engine.CreateMarketOrder(bob, "REP", amt("12"), Buy)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(trades) != 1 || !trades[0].Amount.Eq(amt("5")) {
		t.Fatalf("expected a single fill of 5, got %v", trades)
	}

	// The unfilled 7 vanish: nothing rests on either side.
	if got := len(x.engine.Orders("REP", Buy)); got != 0 {
		t.Errorf("market remainder must not rest, found %d buys", got)
	}
	if got := len(x.engine.Orders("REP", Sell)); got != 0 {
		t.Errorf("filled maker must be pruned, found %d sells", got)
	}
}

func TestEngineMarketOrderEmptyBook(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, bob, "DAI", "100")

	trades, err := x.engine.CreateMarketOrder(bob, "REP", amt("12"), Buy)
	if err != nil {
		t.Fatalf("market buy on empty book: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("expected no fills, got %d", len(trades))
	}
	x.checkBalance(t, bob, "DAI", "100")
}

func TestEngineMarketSellInsufficientBase(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "5")
	x.fund(t, bob, "DAI", "100")

	if _, err := x.engine.CreateLimitOrder(bob, "REP", amt("10"), amt("5"), Buy); err != nil {
		t.Fatalf("buy limit: %v", err)
	}

	_, err := x.engine.CreateMarketOrder(alice, "REP", amt("10"), Sell)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	x.checkBalance(t, alice, "REP", "5")
}

func TestEngineSelfTradeNetsToZero(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, alice, "DAI", "50")

	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("10"), amt("5"), Sell); err != nil {
		t.Fatalf("sell limit: %v", err)
	}

	// Taking your own order is legal once the quote covers the cost; the
	// two ledger legs cancel and the balances come out unchanged.
	trades, err := x.engine.CreateMarketOrder(alice, "REP", amt("10"), Buy)
	if err != nil {
		t.Fatalf("self market buy: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	if trades[0].Buyer != alice || trades[0].Seller != alice {
		t.Error("expected a self trade")
	}
	x.checkBalance(t, alice, "REP", "100")
	x.checkBalance(t, alice, "DAI", "50")
	if left := x.engine.Orders("REP", Sell); len(left) != 0 {
		t.Errorf("filled order still resting: %d", len(left))
	}
}

func TestEngineSelfTradeNeedsQuoteCover(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, alice, "DAI", "10")

	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("10"), amt("5"), Sell); err != nil {
		t.Fatalf("sell limit: %v", err)
	}

	// Each fill settles its quote leg before crediting it back, so taking
	// your own order still needs the full cost in quote up front.
	_, err := x.engine.CreateMarketOrder(alice, "REP", amt("10"), Buy)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	x.checkBalance(t, alice, "REP", "100")
	x.checkBalance(t, alice, "DAI", "10")
	sells := x.engine.Orders("REP", Sell)
	if len(sells) != 1 || !sells[0].Filled.IsZero() {
		t.Fatalf("resting order disturbed: %+v", sells)
	}
}

func TestEngineTradeIDsAreMonotonic(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, bob, "DAI", "1000")

	for i := 0; i < 3; i++ {
		if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("5"), amt("5"), Sell); err != nil {
			t.Fatalf("sell limit %d: %v", i, err)
		}
		trades, err := x.engine.CreateMarketOrder(bob, "REP", amt("5"), Buy)
		if err != nil {
			t.Fatalf("market buy %d: %v", i, err)
		}
		if trades[0].ID != uint64(i) {
			t.Errorf("trade %d: got id %d", i, trades[0].ID)
		}
	}
}

func TestEngineRestartRestoresState(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, bob, "DAI", "100")

	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("10"), amt("5"), Sell); err != nil {
		t.Fatalf("sell limit: %v", err)
	}
	if _, err := x.engine.CreateMarketOrder(bob, "REP", amt("4"), Buy); err != nil {
		t.Fatalf("market buy: %v", err)
	}

	x.reopen(t)

	tokens := x.engine.Tokens()
	if len(tokens) != 2 || tokens[0].Symbol != "DAI" || tokens[1].Symbol != "REP" {
		t.Fatalf("tokens not restored: %v", tokens)
	}
	x.checkBalance(t, alice, "REP", "96")
	x.checkBalance(t, alice, "DAI", "20")
	x.checkBalance(t, bob, "REP", "4")
	x.checkBalance(t, bob, "DAI", "80")

	sells := x.engine.Orders("REP", Sell)
	if len(sells) != 1 {
		t.Fatalf("resting orders not restored: %d", len(sells))
	}
	if !sells[0].Filled.Eq(amt("4")) {
		t.Errorf("fill progress lost: %s", sells[0].Filled.Dec())
	}

	if got := x.engine.Feed().Len(); got != 1 {
		t.Fatalf("trade log not restored: %d records", got)
	}
	replayed := x.engine.Feed().Since("REP", 0)
	if len(replayed) != 1 || !replayed[0].Amount.Eq(amt("4")) {
		t.Errorf("replayed trade wrong: %v", replayed)
	}

	// New orders continue the ID sequence instead of reusing old IDs.
	id, err := x.engine.CreateLimitOrder(bob, "REP", amt("1"), amt("2"), Buy)
	if err != nil {
		t.Fatalf("limit after restart: %v", err)
	}
	if id != 1 {
		t.Errorf("order id after restart: got %d, want 1", id)
	}
}

func TestEngineFIFOAmongEqualPrices(t *testing.T) {
	x := newTestExchange(t)
	x.register(t, "DAI")
	x.register(t, "REP")
	x.fund(t, alice, "REP", "100")
	x.fund(t, bob, "REP", "100")
	x.fund(t, carol, "DAI", "100")

	// alice rests first at 5, bob second at the same price.
	if _, err := x.engine.CreateLimitOrder(alice, "REP", amt("10"), amt("5"), Sell); err != nil {
		t.Fatalf("alice sell: %v", err)
	}
	if _, err := x.engine.CreateLimitOrder(bob, "REP", amt("10"), amt("5"), Sell); err != nil {
		t.Fatalf("bob sell: %v", err)
	}

	trades, err := x.engine.CreateMarketOrder(carol, "REP", amt("10"), Buy)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if len(trades) != 1 || trades[0].Seller != alice {
		t.Fatal("earlier arrival at the same price must fill first")
	}
}

var carol = common.HexToAddress("0xCC00000000000000000000000000000000000000")
