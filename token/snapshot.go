package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrBalanceDecreased fires when a leg expected to credit an account
	// instead drained it. Always fatal for the caller.
	ErrBalanceDecreased = errors.New("token: balance decreased on expected credit")
	// ErrBalanceOverflow rejects balances that do not fit 256 bits.
	ErrBalanceOverflow = errors.New("token: balance exceeds uint256")
	// ErrNotCaptured fires when a delta is requested for a pair the
	// snapshot never captured.
	ErrNotCaptured = errors.New("token: pair not captured in snapshot")
)

type pairKey struct {
	token  common.Address
	holder common.Address
}

// Snapshot freezes balances for a set of (token, holder) pairs so the
// true effect of an external call can be measured afterwards.
type Snapshot struct {
	reader   *Reader
	captured map[pairKey]*uint256.Int
}

// Capture reads and records the current balance of every pair. Duplicate
// pairs collapse to one read.
func Capture(ctx context.Context, reader *Reader, pairs ...Pair) (*Snapshot, error) {
	if reader == nil {
		return nil, fmt.Errorf("token: reader is required")
	}

	snap := &Snapshot{
		reader:   reader,
		captured: make(map[pairKey]*uint256.Int, len(pairs)),
	}
	for _, p := range pairs {
		key := pairKey{token: p.Token, holder: p.Holder}
		if _, ok := snap.captured[key]; ok {
			continue
		}
		balance, err := reader.BalanceOf(ctx, p.Token, p.Holder)
		if err != nil {
			return nil, err
		}
		b256, overflow := uint256.FromBig(balance)
		if overflow {
			return nil, ErrBalanceOverflow
		}
		snap.captured[key] = b256
	}
	return snap, nil
}

// Pair names one balance to capture.
type Pair struct {
	Token  common.Address
	Holder common.Address
}

// Received re-reads the pair and returns how much the holder gained since
// capture. A shrunk balance returns ErrBalanceDecreased: the underflow
// guard for legs that must credit the holder.
func (s *Snapshot) Received(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	before, current, err := s.reread(ctx, token, holder)
	if err != nil {
		return nil, err
	}
	diff, underflow := new(uint256.Int).SubOverflow(current, before)
	if underflow {
		return nil, fmt.Errorf("%w: token %s holder %s", ErrBalanceDecreased, token.Hex(), holder.Hex())
	}
	return diff.ToBig(), nil
}

// Spent re-reads the pair and returns how much the holder's balance
// dropped since capture. A grown balance reports zero spent.
func (s *Snapshot) Spent(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	before, current, err := s.reread(ctx, token, holder)
	if err != nil {
		return nil, err
	}
	diff, underflow := new(uint256.Int).SubOverflow(before, current)
	if underflow {
		return big.NewInt(0), nil
	}
	return diff.ToBig(), nil
}

func (s *Snapshot) reread(ctx context.Context, token, holder common.Address) (before, current *uint256.Int, err error) {
	key := pairKey{token: token, holder: holder}
	before, ok := s.captured[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: token %s holder %s", ErrNotCaptured, token.Hex(), holder.Hex())
	}

	balance, err := s.reader.BalanceOf(ctx, token, holder)
	if err != nil {
		return nil, nil, err
	}
	current, overflow := uint256.FromBig(balance)
	if overflow {
		return nil, nil, ErrBalanceOverflow
	}
	return before, current, nil
}
