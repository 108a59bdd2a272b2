// Package token reads ERC20 state and captures balance snapshots. Swap and
// lending flows treat balance deltas measured here as the authoritative
// record of what actually moved; contract return values are advisory only.
package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const erc20ABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`

const decimalsCacheSize = 4096

// ContractCaller is the read-only client subset the reader needs.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader resolves ERC20 balances and metadata over JSON-RPC. Decimals are
// cached forever (token decimals are immutable); balances never are.
type Reader struct {
	caller   ContractCaller
	logger   *zap.Logger
	abi      abi.ABI
	decimals *lru.Cache
}

// NewReader creates an ERC20 reader backed by the given caller.
func NewReader(caller ContractCaller, logger *zap.Logger) (*Reader, error) {
	if caller == nil {
		return nil, fmt.Errorf("token: contract caller is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("token: logger is required")
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("token: failed to parse ERC20 ABI: %w", err)
	}
	cache, err := lru.New(decimalsCacheSize)
	if err != nil {
		return nil, fmt.Errorf("token: failed to create decimals cache: %w", err)
	}

	return &Reader{
		caller:   caller,
		logger:   logger,
		abi:      parsed,
		decimals: cache,
	}, nil
}

// BalanceOf reads the current balance of holder at the latest block.
func (r *Reader) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := r.abi.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("token: failed to pack balanceOf: %w", err)
	}

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("token: balanceOf call failed for %s: %w", token.Hex(), err)
	}

	results, err := r.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("token: failed to unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("token: unexpected balanceOf return type %T", results[0])
	}
	return balance, nil
}

// Decimals reads a token's decimals, serving repeat lookups from cache.
func (r *Reader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if cached, ok := r.decimals.Get(token); ok {
		return cached.(uint8), nil
	}

	data, err := r.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("token: failed to pack decimals: %w", err)
	}

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("token: decimals call failed for %s: %w", token.Hex(), err)
	}

	results, err := r.abi.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("token: failed to unpack decimals: %w", err)
	}
	dec, ok := results[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("token: unexpected decimals return type %T", results[0])
	}

	r.decimals.Add(token, dec)
	r.logger.Debug("Cached token decimals",
		zap.String("token", token.Hex()),
		zap.Uint8("decimals", dec))
	return dec, nil
}

// ApproveCalldata builds ERC20 approve calldata for a spender.
func (r *Reader) ApproveCalldata(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := r.abi.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("token: failed to pack approve: %w", err)
	}
	return data, nil
}
