// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/luxfi/geth/accounts/abi"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/clearing/fixedpoint"
)

// StableToken is the engine's view of the 6-decimal stable collateral
// token. Amounts are 1e6 fixed point, matching the token's own units.
type StableToken interface {
	TransferFrom(from, to common.Address, amount fixedpoint.Money) error
	Transfer(to common.Address, amount fixedpoint.Money) error
	BalanceOf(owner common.Address) (fixedpoint.Money, error)
}

var ErrTokenTransfer = errors.New("ledger: token transfer failed")

// erc20ABI covers the three calls the vault performs.
const erc20ABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ContractBackend submits packed calls to the chain hosting the token.
// Call is a read; Send is a state-changing submission that has been
// finalized when it returns.
type ContractBackend interface {
	Call(contract common.Address, input []byte) ([]byte, error)
	Send(contract common.Address, input []byte) error
}

// ERC20Token speaks to an ERC-20 compatible stable token via a backend.
type ERC20Token struct {
	contract common.Address
	backend  ContractBackend
	abi      abi.ABI
}

// NewERC20Token binds the token contract.
func NewERC20Token(contract common.Address, backend ContractBackend) (*ERC20Token, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse erc20 abi: %w", err)
	}
	return &ERC20Token{contract: contract, backend: backend, abi: parsed}, nil
}

func (t *ERC20Token) TransferFrom(from, to common.Address, amount fixedpoint.Money) error {
	input, err := t.abi.Pack("transferFrom", from, to, new(big.Int).SetUint64(uint64(amount)))
	if err != nil {
		return err
	}
	if err := t.backend.Send(t.contract, input); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenTransfer, err)
	}
	return nil
}

func (t *ERC20Token) Transfer(to common.Address, amount fixedpoint.Money) error {
	input, err := t.abi.Pack("transfer", to, new(big.Int).SetUint64(uint64(amount)))
	if err != nil {
		return err
	}
	if err := t.backend.Send(t.contract, input); err != nil {
		return fmt.Errorf("%w: %v", ErrTokenTransfer, err)
	}
	return nil
}

func (t *ERC20Token) BalanceOf(owner common.Address) (fixedpoint.Money, error) {
	input, err := t.abi.Pack("balanceOf", owner)
	if err != nil {
		return 0, err
	}
	out, err := t.backend.Call(t.contract, input)
	if err != nil {
		return 0, err
	}
	vals, err := t.abi.Unpack("balanceOf", out)
	if err != nil {
		return 0, err
	}
	bal, ok := vals[0].(*big.Int)
	if !ok || !bal.IsUint64() {
		return 0, fixedpoint.ErrOutOfRange
	}
	return fixedpoint.Money(bal.Uint64()), nil
}

// MemToken is an in-memory StableToken for tests. The vault address is the
// implicit sender of Transfer.
type MemToken struct {
	mu       sync.Mutex
	vault    common.Address
	balances map[common.Address]fixedpoint.Money
}

// NewMemToken creates a token whose Transfer debits vault.
func NewMemToken(vault common.Address) *MemToken {
	return &MemToken{
		vault:    vault,
		balances: make(map[common.Address]fixedpoint.Money),
	}
}

// Mint credits an account out of thin air, test setup only.
func (t *MemToken) Mint(owner common.Address, amount fixedpoint.Money) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[owner] += amount
}

func (t *MemToken) TransferFrom(from, to common.Address, amount fixedpoint.Money) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *MemToken) Transfer(to common.Address, amount fixedpoint.Money) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(t.vault, to, amount)
}

func (t *MemToken) move(from, to common.Address, amount fixedpoint.Money) error {
	bal, err := t.balances[from].Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s short of %s", ErrTokenTransfer, from, amount)
	}
	t.balances[from] = bal
	t.balances[to] += amount
	return nil
}

func (t *MemToken) BalanceOf(owner common.Address) (fixedpoint.Money, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[owner], nil
}
