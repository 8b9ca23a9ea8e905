package exchange

import (
	"github.com/ethereum/go-ethereum/common"
)

// TokenRegistry is the admin-curated list of symbols the exchange knows.
// Insertion order is preserved for enumeration and there is no removal.
// Not self-locking: the engine's mutex serializes all access.
type TokenRegistry struct {
	admin    common.Address
	quote    string
	ordered  []Token
	bySymbol map[string]int // symbol -> index into ordered
}

func NewTokenRegistry(admin common.Address, quoteSymbol string) *TokenRegistry {
	return &TokenRegistry{
		admin:    admin,
		quote:    quoteSymbol,
		bySymbol: make(map[string]int),
	}
}

// Quote returns the designated non-tradable payment symbol.
func (r *TokenRegistry) Quote() string { return r.quote }

func (r *TokenRegistry) Admin() common.Address { return r.admin }

// Add registers a token. Only the admin may call; duplicate or malformed
// symbols are rejected. The quote symbol registers like any other but is
// marked non-tradable.
func (r *TokenRegistry) Add(caller common.Address, symbol string, addr common.Address) error {
	if caller != r.admin {
		return reject(ErrAuthorization, "only the admin can register tokens")
	}
	if !ValidSymbol(symbol) {
		return reject(ErrValidation, "symbol must be 1-%d bytes", MaxSymbolLen)
	}
	if _, exists := r.bySymbol[symbol]; exists {
		return reject(ErrValidation, "token %s is already registered", symbol)
	}

	r.bySymbol[symbol] = len(r.ordered)
	r.ordered = append(r.ordered, Token{
		Symbol:   symbol,
		Address:  addr,
		Tradable: symbol != r.quote,
	})
	return nil
}

// restore re-adds a token loaded from storage, skipping the admin check.
func (r *TokenRegistry) restore(symbol string, addr common.Address) {
	r.bySymbol[symbol] = len(r.ordered)
	r.ordered = append(r.ordered, Token{
		Symbol:   symbol,
		Address:  addr,
		Tradable: symbol != r.quote,
	})
}

// Get looks a symbol up. ok is false for unregistered symbols.
func (r *TokenRegistry) Get(symbol string) (Token, bool) {
	i, ok := r.bySymbol[symbol]
	if !ok {
		return Token{}, false
	}
	return r.ordered[i], true
}

// Tokens returns the registry in insertion order.
func (r *TokenRegistry) Tokens() []Token {
	out := make([]Token, len(r.ordered))
	copy(out, r.ordered)
	return out
}
