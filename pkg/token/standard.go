package token

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Standard is an in-memory ERC-20 with a faucet, the same shape as the test
// tokens the exchange was originally deployed against. One instance per asset.
type Standard struct {
	mu         sync.Mutex
	name       string
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

func NewStandard(name string) *Standard {
	return &Standard{
		name:       name,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

func (t *Standard) Name() string { return t.name }

// Faucet mints amount to recipient. Devnet/test seeding only.
func (t *Standard) Faucet(recipient common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.credit(recipient, amount)
}

func (t *Standard) BalanceOf(account common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.balances[account]; ok {
		return b.Clone()
	}
	return uint256.NewInt(0)
}

func (t *Standard) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return a.Clone()
	}
	return uint256.NewInt(0)
}

func (t *Standard) Approve(owner, spender common.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = amount.Clone()
}

// TransferFrom moves amount from owner to recipient, spending the spender's
// allowance. spender == owner needs no allowance (the transfer() case).
// Fails without effect on insufficient allowance or balance.
func (t *Standard) TransferFrom(spender, owner, recipient common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var allowed *uint256.Int
	if spender != owner {
		allowed = t.allowances[owner][spender]
		if allowed == nil || allowed.Lt(amount) {
			return ErrInsufficientAllowance
		}
	}
	balance := t.balances[owner]
	if balance == nil || balance.Lt(amount) {
		return ErrInsufficientBalance
	}

	if allowed != nil {
		allowed.Sub(allowed, amount)
	}
	balance.Sub(balance, amount)
	t.credit(recipient, amount)
	return nil
}

// credit assumes the lock is held.
func (t *Standard) credit(account common.Address, amount *uint256.Int) {
	if b, ok := t.balances[account]; ok {
		b.Add(b, amount)
		return
	}
	t.balances[account] = amount.Clone()
}

// Local is an in-memory chain: a set of deployed Standard tokens addressable
// the way the registry stores them.
type Local struct {
	mu     sync.RWMutex
	tokens map[common.Address]*Standard
}

func NewLocal() *Local {
	return &Local{tokens: make(map[common.Address]*Standard)}
}

// Deploy creates a token and derives a deterministic address from its name.
func (l *Local) Deploy(name string) (*Standard, common.Address) {
	addr := common.BytesToAddress(crypto.Keccak256([]byte("token:" + name))[12:])
	t := NewStandard(name)

	l.mu.Lock()
	l.tokens[addr] = t
	l.mu.Unlock()
	return t, addr
}

func (l *Local) At(addr common.Address) (ERC20, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tokens[addr]
	if !ok {
		return nil, ErrUnknownToken
	}
	return t, nil
}
