// Package testutils provides in-memory chain fakes shared by tests across
// packages. The fakes honor the read-only call paths the engine uses so
// components can be exercised without a node.
package testutils

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// Handler serves a single contract's calls from raw calldata.
type Handler func(data []byte) ([]byte, error)

// FakeChain dispatches CallContract to registered per-address handlers.
type FakeChain struct {
	mu       sync.Mutex
	handlers map[common.Address]Handler
	calls    int
}

// NewFakeChain creates an empty fake chain.
func NewFakeChain() *FakeChain {
	return &FakeChain{handlers: make(map[common.Address]Handler)}
}

// Register installs a handler for a contract address.
func (c *FakeChain) Register(addr common.Address, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[addr] = h
}

// CallContract implements the read-only client subset used by the engine.
func (c *FakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	h, ok := c.handlers[*msg.To]
	c.calls++
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("testutils: no contract at %s", msg.To.Hex())
	}
	return h(msg.Data)
}

// Calls reports how many calls the chain has served.
func (c *FakeChain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

const erc20TestABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},{"constant":true,"inputs":[],"name":"SY","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

// ERC20 is an in-memory token honoring balanceOf, decimals and approve.
// Tokens created with NewPT additionally answer the SY accessor.
type ERC20 struct {
	mu       sync.Mutex
	abi      abi.ABI
	dec      uint8
	sy       common.Address
	balances map[common.Address]*big.Int
}

// NewERC20 creates a token with the given decimals.
func NewERC20(t *testing.T, decimals uint8) *ERC20 {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20TestABI))
	require.NoError(t, err)
	return &ERC20{
		abi:      parsed,
		dec:      decimals,
		balances: make(map[common.Address]*big.Int),
	}
}

// NewPT creates a principal token reporting the given SY source.
func NewPT(t *testing.T, decimals uint8, sy common.Address) *ERC20 {
	t.Helper()
	token := NewERC20(t, decimals)
	token.sy = sy
	return token
}

// Mint credits a holder.
func (e *ERC20) Mint(holder common.Address, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.balances[holder]
	if !ok {
		cur = big.NewInt(0)
	}
	e.balances[holder] = new(big.Int).Add(cur, amount)
}

// Burn debits a holder, failing the test on insufficient balance.
func (e *ERC20) Burn(t *testing.T, holder common.Address, amount *big.Int) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.balances[holder]
	require.True(t, ok && cur.Cmp(amount) >= 0, "burn exceeds balance")
	e.balances[holder] = new(big.Int).Sub(cur, amount)
}

// BalanceOf returns the holder's current balance.
func (e *ERC20) BalanceOf(holder common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.balances[holder]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(cur)
}

// Handler serves this token's calls on a FakeChain.
func (e *ERC20) Handler() Handler {
	return func(data []byte) ([]byte, error) {
		if len(data) < 4 {
			return nil, fmt.Errorf("testutils: calldata too short")
		}
		method, err := e.abi.MethodById(data[:4])
		if err != nil {
			// Contracts revert on selectors they do not implement.
			return nil, fmt.Errorf("execution reverted")
		}
		switch method.Name {
		case "balanceOf":
			args, err := method.Inputs.Unpack(data[4:])
			if err != nil {
				return nil, err
			}
			return method.Outputs.Pack(e.BalanceOf(args[0].(common.Address)))
		case "decimals":
			return method.Outputs.Pack(e.dec)
		case "approve":
			return method.Outputs.Pack(true)
		case "SY":
			if e.sy == (common.Address{}) {
				return nil, fmt.Errorf("execution reverted")
			}
			return method.Outputs.Pack(e.sy)
		default:
			return nil, fmt.Errorf("execution reverted")
		}
	}
}

// TestKey generates a throwaway key pair.
func TestKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// RandomAddress returns a fresh unique address.
func RandomAddress(t *testing.T) common.Address {
	t.Helper()
	_, addr := TestKey(t)
	return addr
}
