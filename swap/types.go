// Package swap routes trades across the Odos aggregator and the Pendle
// PT market. Tokens are classified at runtime by probing for the
// principal-token capability, and every leg of every route is measured
// by balance delta rather than trusted return values.
package swap

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Type classifies a swap by the PT-ness of its endpoints.
type Type int

const (
	TypeRegular Type = iota
	TypePTToRegular
	TypeRegularToPT
	TypePTToPT
)

// String returns the wire-level name of the swap type.
func (t Type) String() string {
	switch t {
	case TypeRegular:
		return "REGULAR"
	case TypePTToRegular:
		return "PT_TO_REGULAR"
	case TypeRegularToPT:
		return "REGULAR_TO_PT"
	case TypePTToPT:
		return "PT_TO_PT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Strategy names the route shape used for a PT_TO_PT swap.
type Strategy int

const (
	// StrategyNone applies to swaps that are not PT_TO_PT.
	StrategyNone Strategy = iota
	// StrategyDirect swaps PT to PT in a single Pendle market call.
	StrategyDirect
	// StrategyHybrid routes PT to underlying through the aggregator and
	// underlying to PT through Pendle.
	StrategyHybrid
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyHybrid:
		return "hybrid"
	default:
		return "none"
	}
}

var (
	// ErrMalformedSwapData rejects PT swap data whose calldata does not
	// match its composed flag.
	ErrMalformedSwapData = errors.New("swap: malformed pt swap data")
	// ErrMissingUnderlying rejects composed routes that need an
	// underlying asset but carry a zero address.
	ErrMissingUnderlying = errors.New("swap: underlying asset required")
	// ErrInsufficientOutput rejects swaps whose measured output lands
	// below the caller's minimum.
	ErrInsufficientOutput = errors.New("swap: output below minimum")
	// ErrSameToken rejects degenerate swaps between identical tokens.
	ErrSameToken = errors.New("swap: token in equals token out")
)

// PTSwapData is the routing descriptor callers construct off-chain. The
// calldata blobs are opaque; the engine only decides which venue receives
// which blob and measures what moved.
type PTSwapData struct {
	// Composed marks routes with a Pendle leg.
	Composed bool
	// Underlying is the intermediate asset for composed routes that
	// bridge between venues. PT_TO_PT direct routes leave it zero.
	Underlying common.Address
	// PendleCalldata is the pre-computed Pendle router call.
	PendleCalldata []byte
	// OdosCalldata is the pre-computed aggregator call.
	OdosCalldata []byte
}

// Validate checks the data's internal consistency for the given swap
// type. Underlying and aggregator calldata requirements for specific
// route shapes are enforced by the execution path that needs them.
func (d *PTSwapData) Validate(t Type) error {
	if t == TypeRegular {
		if d.Composed {
			return fmt.Errorf("%w: composed data for a regular swap", ErrMalformedSwapData)
		}
		if len(d.OdosCalldata) == 0 {
			return fmt.Errorf("%w: regular swap without aggregator calldata", ErrMalformedSwapData)
		}
		return nil
	}

	if !d.Composed {
		return fmt.Errorf("%w: %s swap requires composed data", ErrMalformedSwapData, t)
	}
	if len(d.PendleCalldata) == 0 {
		return fmt.Errorf("%w: composed data without pendle calldata", ErrMalformedSwapData)
	}
	return nil
}

// Params describes one exact-input swap request.
type Params struct {
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Data         PTSwapData
}

// Result reports a completed swap. AmountOut is the measured balance
// delta of TokenOut, never a venue return value.
type Result struct {
	Type      Type
	Strategy  Strategy
	AmountOut *big.Int
}
