package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Threshold pins an asset's reported price to a fixed value once the raw
// price clears a lower bound. Used for hard-pegged assets where small
// market wobbles above the peg floor should read as exactly the peg.
type Threshold struct {
	LowerBound *big.Int
	FixedPrice *big.Int
}

// ThresholdFeed decorates a PriceFeed with per-asset thresholding.
// Assets without a threshold pass through untouched.
type ThresholdFeed struct {
	inner      PriceFeed
	thresholds map[common.Address]Threshold
	logger     *zap.Logger
}

// NewThresholdFeed wraps inner with the given thresholds.
func NewThresholdFeed(inner PriceFeed, thresholds map[common.Address]Threshold, logger *zap.Logger) (*ThresholdFeed, error) {
	if inner == nil {
		return nil, fmt.Errorf("oracle: inner feed is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("oracle: logger is required")
	}
	for asset, th := range thresholds {
		if th.LowerBound == nil || th.LowerBound.Sign() <= 0 || th.FixedPrice == nil || th.FixedPrice.Sign() <= 0 {
			return nil, fmt.Errorf("oracle: invalid threshold for %s", asset.Hex())
		}
	}

	copied := make(map[common.Address]Threshold, len(thresholds))
	for asset, th := range thresholds {
		copied[asset] = Threshold{
			LowerBound: new(big.Int).Set(th.LowerBound),
			FixedPrice: new(big.Int).Set(th.FixedPrice),
		}
	}

	return &ThresholdFeed{
		inner:      inner,
		thresholds: copied,
		logger:     logger,
	}, nil
}

// AssetPrice implements PriceFeed.
func (t *ThresholdFeed) AssetPrice(ctx context.Context, asset common.Address) (*big.Int, error) {
	price, err := t.inner.AssetPrice(ctx, asset)
	if err != nil {
		return nil, err
	}

	th, ok := t.thresholds[asset]
	if !ok {
		return price, nil
	}
	if price.Cmp(th.LowerBound) > 0 {
		t.logger.Debug("Thresholding asset price",
			zap.String("asset", asset.Hex()),
			zap.String("raw_price", price.String()),
			zap.String("fixed_price", th.FixedPrice.String()))
		return new(big.Int).Set(th.FixedPrice), nil
	}
	return price, nil
}
