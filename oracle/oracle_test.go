package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dloop-labs/dloop-engine/utils/testutils"
)

// fakeOracleContract serves the price oracle ABI on a FakeChain.
type fakeOracleContract struct {
	abi    abi.ABI
	prices map[common.Address]*big.Int
	unit   *big.Int
}

func newFakeOracleContract(t *testing.T) *fakeOracleContract {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(priceOracleABI))
	require.NoError(t, err)
	return &fakeOracleContract{
		abi:    parsed,
		prices: make(map[common.Address]*big.Int),
		unit:   big.NewInt(100_000_000),
	}
}

func (f *fakeOracleContract) handler() testutils.Handler {
	return func(data []byte) ([]byte, error) {
		method, err := f.abi.MethodById(data[:4])
		if err != nil {
			return nil, err
		}
		switch method.Name {
		case "getAssetPrice":
			args, err := method.Inputs.Unpack(data[4:])
			if err != nil {
				return nil, err
			}
			price, ok := f.prices[args[0].(common.Address)]
			if !ok {
				price = big.NewInt(0)
			}
			return method.Outputs.Pack(price)
		case "BASE_CURRENCY_UNIT":
			return method.Outputs.Pack(f.unit)
		default:
			return nil, fmt.Errorf("unhandled method %s", method.Name)
		}
	}
}

func TestFeed(t *testing.T) {
	logger := zaptest.NewLogger(t)
	chain := testutils.NewFakeChain()

	oracleAddr := testutils.RandomAddress(t)
	contract := newFakeOracleContract(t)
	chain.Register(oracleAddr, contract.handler())

	weth := testutils.RandomAddress(t)
	contract.prices[weth] = big.NewInt(300_000_000_000) // 3000 * 1e8

	feed, err := NewFeed(chain, oracleAddr, logger)
	require.NoError(t, err)

	t.Run("AssetPrice", func(t *testing.T) {
		price, err := feed.AssetPrice(context.Background(), weth)
		require.NoError(t, err)
		assert.Equal(t, int64(300_000_000_000), price.Int64())
	})

	t.Run("ZeroPriceFailsClosed", func(t *testing.T) {
		_, err := feed.AssetPrice(context.Background(), testutils.RandomAddress(t))
		assert.ErrorIs(t, err, ErrMissingPrice)
	})

	t.Run("BaseCurrencyUnit", func(t *testing.T) {
		unit, err := feed.BaseCurrencyUnit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(100_000_000), unit.Int64())
	})

	t.Run("ConstructorValidation", func(t *testing.T) {
		_, err := NewFeed(nil, oracleAddr, logger)
		assert.Error(t, err)
		_, err = NewFeed(chain, common.Address{}, logger)
		assert.Error(t, err)
		_, err = NewFeed(chain, oracleAddr, nil)
		assert.Error(t, err)
	})
}

type staticFeed struct {
	prices map[common.Address]*big.Int
}

func (s *staticFeed) AssetPrice(_ context.Context, asset common.Address) (*big.Int, error) {
	price, ok := s.prices[asset]
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: asset %s", ErrMissingPrice, asset.Hex())
	}
	return new(big.Int).Set(price), nil
}

type staticDecimals struct {
	dec map[common.Address]uint8
}

func (s *staticDecimals) Decimals(_ context.Context, token common.Address) (uint8, error) {
	dec, ok := s.dec[token]
	if !ok {
		return 0, fmt.Errorf("no decimals for %s", token.Hex())
	}
	return dec, nil
}

func TestThresholdFeed(t *testing.T) {
	logger := zaptest.NewLogger(t)

	pegged := common.HexToAddress("0x01")
	free := common.HexToAddress("0x02")
	inner := &staticFeed{prices: map[common.Address]*big.Int{
		pegged: big.NewInt(100_010_000), // slightly above the 1e8 peg
		free:   big.NewInt(250_000_000),
	}}

	feed, err := NewThresholdFeed(inner, map[common.Address]Threshold{
		pegged: {LowerBound: big.NewInt(99_000_000), FixedPrice: big.NewInt(100_000_000)},
	}, logger)
	require.NoError(t, err)

	t.Run("PinsAboveLowerBound", func(t *testing.T) {
		price, err := feed.AssetPrice(context.Background(), pegged)
		require.NoError(t, err)
		assert.Equal(t, int64(100_000_000), price.Int64())
	})

	t.Run("PassesThroughBelowLowerBound", func(t *testing.T) {
		inner.prices[pegged] = big.NewInt(95_000_000) // depeg
		defer func() { inner.prices[pegged] = big.NewInt(100_010_000) }()

		price, err := feed.AssetPrice(context.Background(), pegged)
		require.NoError(t, err)
		assert.Equal(t, int64(95_000_000), price.Int64())
	})

	t.Run("UnthresholdedAssetUntouched", func(t *testing.T) {
		price, err := feed.AssetPrice(context.Background(), free)
		require.NoError(t, err)
		assert.Equal(t, int64(250_000_000), price.Int64())
	})

	t.Run("RejectsInvalidThreshold", func(t *testing.T) {
		_, err := NewThresholdFeed(inner, map[common.Address]Threshold{
			pegged: {LowerBound: big.NewInt(0), FixedPrice: big.NewInt(1)},
		}, logger)
		assert.Error(t, err)
	})
}

func TestValidator(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tokenIn := common.HexToAddress("0x0a")
	tokenOut := common.HexToAddress("0x0b")

	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	amountIn := new(big.Int).Mul(big.NewInt(100), one)

	feed := &staticFeed{prices: map[common.Address]*big.Int{
		tokenIn:  big.NewInt(200_000_000), // 2 * 1e8
		tokenOut: big.NewInt(100_000_000), // 1 * 1e8
	}}
	decimals := &staticDecimals{dec: map[common.Address]uint8{
		tokenIn:  18,
		tokenOut: 18,
	}}

	newValidator := func(t *testing.T) *Validator {
		v, err := NewValidator(feed, decimals, logger)
		require.NoError(t, err)
		return v
	}

	t.Run("ExpectedOutput", func(t *testing.T) {
		v := newValidator(t)
		expected, err := v.ExpectedOutput(context.Background(), tokenIn, tokenOut, amountIn)
		require.NoError(t, err)
		want := new(big.Int).Mul(big.NewInt(200), one)
		assert.Zero(t, expected.Cmp(want))
	})

	t.Run("ExpectedOutputCrossDecimals", func(t *testing.T) {
		usdc := common.HexToAddress("0x0c")
		feed.prices[usdc] = big.NewInt(100_000_000)
		decimals.dec[usdc] = 6

		v := newValidator(t)
		// 1 USDC (1e6) at $1 into a $2 18-dec token: 0.5 * 1e18
		expected, err := v.ExpectedOutput(context.Background(), usdc, tokenIn, big.NewInt(1_000_000))
		require.NoError(t, err)
		want := new(big.Int).Div(one, big.NewInt(2))
		assert.Zero(t, expected.Cmp(want))
	})

	t.Run("RejectsLargeShortfall", func(t *testing.T) {
		v := newValidator(t)
		// min out 150 vs expected 200: 2500 bps deviation > 500 bps default
		minOut := new(big.Int).Mul(big.NewInt(150), one)
		err := v.ValidateSwapOutput(context.Background(), tokenIn, tokenOut, amountIn, minOut)
		assert.ErrorIs(t, err, ErrDeviationExceeded)
	})

	t.Run("AcceptsWithinTolerance", func(t *testing.T) {
		v := newValidator(t)
		// min out 199 vs expected 200: 50 bps deviation
		minOut := new(big.Int).Mul(big.NewInt(199), one)
		assert.NoError(t, v.ValidateSwapOutput(context.Background(), tokenIn, tokenOut, amountIn, minOut))
	})

	t.Run("SymmetricUpsideRejects", func(t *testing.T) {
		v := newValidator(t)
		// min out 250 vs expected 200: upside deviation also rejects
		minOut := new(big.Int).Mul(big.NewInt(250), one)
		err := v.ValidateSwapOutput(context.Background(), tokenIn, tokenOut, amountIn, minOut)
		assert.ErrorIs(t, err, ErrDeviationExceeded)
	})

	t.Run("ExactToleranceBoundaryPasses", func(t *testing.T) {
		v := newValidator(t)
		// deviation exactly 500 bps: 190 vs 200
		minOut := new(big.Int).Mul(big.NewInt(190), one)
		assert.NoError(t, v.ValidateSwapOutput(context.Background(), tokenIn, tokenOut, amountIn, minOut))
	})

	t.Run("ToleranceBounds", func(t *testing.T) {
		v := newValidator(t)
		assert.ErrorIs(t, v.SetToleranceBps(0), ErrToleranceOutOfRange)
		assert.ErrorIs(t, v.SetToleranceBps(MaxToleranceBps+1), ErrToleranceOutOfRange)
		require.NoError(t, v.SetToleranceBps(MaxToleranceBps))
		assert.Equal(t, MaxToleranceBps, v.ToleranceBps())

		// 950 bps shortfall passes at the loosened tolerance
		minOut := new(big.Int).Mul(big.NewInt(181), one)
		assert.NoError(t, v.ValidateSwapOutput(context.Background(), tokenIn, tokenOut, amountIn, minOut))
	})

	t.Run("MissingPriceFailsClosed", func(t *testing.T) {
		v := newValidator(t)
		err := v.ValidateSwapOutput(context.Background(), testutils.RandomAddress(t), tokenOut, amountIn, big.NewInt(1))
		assert.ErrorIs(t, err, ErrMissingPrice)
	})

	t.Run("ZeroExpectedOutput", func(t *testing.T) {
		dust := common.HexToAddress("0x0d")
		feed.prices[dust] = big.NewInt(1)
		decimals.dec[dust] = 18

		v := newValidator(t)
		// 1 wei of a 1e-8-priced token into tokenIn prices to zero
		err := v.ValidateSwapOutput(context.Background(), dust, tokenIn, big.NewInt(1), big.NewInt(0))
		assert.ErrorIs(t, err, ErrZeroExpectedOutput)
	})

	t.Run("NonPositiveAmounts", func(t *testing.T) {
		v := newValidator(t)
		err := v.ValidateSwapOutput(context.Background(), tokenIn, tokenOut, big.NewInt(0), big.NewInt(1))
		assert.ErrorIs(t, err, ErrDeviationExceeded)
	})
}
