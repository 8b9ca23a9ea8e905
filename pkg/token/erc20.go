// Package token defines the fungible-token collaborator the exchange custody
// layer depends on, plus an in-process reference implementation used by tests
// and the devnet node. Real custody of assets lives in these contracts; the
// exchange only ever calls the four standard methods below.
package token

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrInsufficientBalance mirrors "ERC20: transfer amount exceeds balance".
	ErrInsufficientBalance = errors.New("token: transfer amount exceeds balance")
	// ErrInsufficientAllowance mirrors "ERC20: insufficient allowance".
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	// ErrUnknownToken is returned by a Source for an unbound address.
	ErrUnknownToken = errors.New("token: no contract at address")
)

// ERC20 is the consumed contract interface. On-chain, the caller is implicit
// (msg.sender); here the spender is an explicit argument. TransferFrom with
// spender == owner is the rendering of the contract's own transfer() and
// requires no allowance.
type ERC20 interface {
	BalanceOf(account common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int
	Approve(owner, spender common.Address, amount *uint256.Int)
	TransferFrom(spender, owner, recipient common.Address, amount *uint256.Int) error
}

// Source resolves a registered token address to a live contract handle.
// The devnet uses Local; a production node would bind go-ethereum contract
// clients behind the same interface.
type Source interface {
	At(addr common.Address) (ERC20, error)
}
