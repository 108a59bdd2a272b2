// Package oracle resolves asset prices in a common base currency and gates
// swaps on price-deviation checks. Every swap the engine executes is
// validated here first; a price the oracle cannot vouch for stops the trade.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const priceOracleABI = `[{"inputs":[{"internalType":"address","name":"asset","type":"address"}],"name":"getAssetPrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"BASE_CURRENCY_UNIT","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// ErrMissingPrice rejects zero or absent oracle prices. A zero price is
// never a market; the engine fails closed on it.
var ErrMissingPrice = errors.New("oracle: missing or zero price")

// PriceFeed reports asset prices denominated in the feed's base currency.
type PriceFeed interface {
	// AssetPrice returns the price of one whole token in base units.
	AssetPrice(ctx context.Context, asset common.Address) (*big.Int, error)
}

// ContractCaller is the read-only client subset the feed needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Feed reads an Aave-compatible price oracle contract. Prices are never
// cached; staleness is exactly what the deviation gate exists to catch.
type Feed struct {
	caller ContractCaller
	oracle common.Address
	logger *zap.Logger
	abi    abi.ABI
}

// NewFeed creates a feed bound to an oracle contract.
func NewFeed(caller ContractCaller, oracle common.Address, logger *zap.Logger) (*Feed, error) {
	if caller == nil {
		return nil, fmt.Errorf("oracle: contract caller is required")
	}
	if oracle == (common.Address{}) {
		return nil, fmt.Errorf("oracle: oracle address is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("oracle: logger is required")
	}

	parsed, err := abi.JSON(strings.NewReader(priceOracleABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to parse oracle ABI: %w", err)
	}

	return &Feed{
		caller: caller,
		oracle: oracle,
		logger: logger,
		abi:    parsed,
	}, nil
}

// AssetPrice implements PriceFeed.
func (f *Feed) AssetPrice(ctx context.Context, asset common.Address) (*big.Int, error) {
	data, err := f.abi.Pack("getAssetPrice", asset)
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to pack getAssetPrice: %w", err)
	}

	out, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &f.oracle, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: getAssetPrice call failed for %s: %w", asset.Hex(), err)
	}

	results, err := f.abi.Unpack("getAssetPrice", out)
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to unpack getAssetPrice: %w", err)
	}
	price, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("oracle: unexpected getAssetPrice return type %T", results[0])
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: asset %s", ErrMissingPrice, asset.Hex())
	}
	return price, nil
}

// BaseCurrencyUnit reads the oracle's base currency unit (10^base decimals).
func (f *Feed) BaseCurrencyUnit(ctx context.Context) (*big.Int, error) {
	data, err := f.abi.Pack("BASE_CURRENCY_UNIT")
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to pack BASE_CURRENCY_UNIT: %w", err)
	}

	out, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &f.oracle, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: BASE_CURRENCY_UNIT call failed: %w", err)
	}

	results, err := f.abi.Unpack("BASE_CURRENCY_UNIT", out)
	if err != nil {
		return nil, fmt.Errorf("oracle: failed to unpack BASE_CURRENCY_UNIT: %w", err)
	}
	unit, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("oracle: unexpected BASE_CURRENCY_UNIT return type %T", results[0])
	}
	return unit, nil
}
