package exchange

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/drachmadex/drachmadex/pkg/token"
)

// CustodyAddress is the account the exchange holds custody under on the
// external token contracts. Traders approve it before depositing.
var CustodyAddress = common.BytesToAddress(crypto.Keccak256([]byte("drachmadex/custody"))[12:])

// Ledger tracks custodial balances per (trader, symbol) and bridges to the
// external token contracts on deposit and withdraw. Balances only ever change
// through a successful external transfer or the engine's matching loop, so
// the sum of balances for a symbol never exceeds net deposits.
// Not self-locking: the engine's mutex serializes all access.
type Ledger struct {
	custody  common.Address
	balances map[common.Address]map[string]*uint256.Int
}

func NewLedger(custody common.Address) *Ledger {
	return &Ledger{
		custody:  custody,
		balances: make(map[common.Address]map[string]*uint256.Int),
	}
}

func (l *Ledger) Custody() common.Address { return l.custody }

// Balance returns a copy of the tracked balance, zero if absent.
func (l *Ledger) Balance(trader common.Address, symbol string) *uint256.Int {
	if b, ok := l.balances[trader][symbol]; ok {
		return b.Clone()
	}
	return uint256.NewInt(0)
}

// Deposit pulls amount from the trader's wallet into custody and credits the
// tracked balance. The external transfer happens first; a rejected transfer
// leaves the ledger untouched.
func (l *Ledger) Deposit(t token.ERC20, trader common.Address, symbol string, amount *uint256.Int) error {
	if err := t.TransferFrom(l.custody, trader, l.custody, amount); err != nil {
		return mapTokenErr(err)
	}
	l.credit(trader, symbol, amount)
	return nil
}

// Withdraw debits the tracked balance and returns amount to the trader's
// wallet. The custody invariant guarantees the external transfer can cover
// any tracked balance, but a failure there still rolls the debit back.
func (l *Ledger) Withdraw(t token.ERC20, trader common.Address, symbol string, amount *uint256.Int) error {
	balance := l.balances[trader][symbol]
	if balance == nil || balance.Lt(amount) {
		return reject(ErrInsufficientBalance, "not enough %s balance to withdraw", symbol)
	}
	balance.Sub(balance, amount)
	if err := t.TransferFrom(l.custody, l.custody, trader, amount); err != nil {
		balance.Add(balance, amount)
		return mapTokenErr(err)
	}
	return nil
}

// transfer moves amount of symbol between two traders' entries. Matching-loop
// primitive only; the caller has already proven the debit is covered.
func (l *Ledger) transfer(from, to common.Address, symbol string, amount *uint256.Int) {
	if from == to || amount.IsZero() {
		return
	}
	balance := l.balances[from][symbol]
	balance.Sub(balance, amount)
	l.credit(to, symbol, amount)
}

func (l *Ledger) credit(trader common.Address, symbol string, amount *uint256.Int) {
	bySymbol, ok := l.balances[trader]
	if !ok {
		bySymbol = make(map[string]*uint256.Int)
		l.balances[trader] = bySymbol
	}
	if b, ok := bySymbol[symbol]; ok {
		b.Add(b, amount)
		return
	}
	bySymbol[symbol] = amount.Clone()
}

// restore sets a balance loaded from storage.
func (l *Ledger) restore(trader common.Address, symbol string, amount *uint256.Int) {
	bySymbol, ok := l.balances[trader]
	if !ok {
		bySymbol = make(map[string]*uint256.Int)
		l.balances[trader] = bySymbol
	}
	bySymbol[symbol] = amount.Clone()
}

// mapTokenErr lifts external token failures into the engine's taxonomy.
func mapTokenErr(err error) error {
	switch {
	case errors.Is(err, token.ErrInsufficientAllowance):
		return reject(ErrInsufficientAllowance, "the exchange is not approved to spend that amount, increase the allowance")
	case errors.Is(err, token.ErrInsufficientBalance):
		return reject(ErrInsufficientBalance, "the wallet does not hold that amount")
	default:
		return err
	}
}
