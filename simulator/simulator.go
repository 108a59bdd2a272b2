// Package simulator dry-runs prepared calldata against the node before
// any gas is spent. The sender uses it as a preflight so a reverting
// pool call or a stale venue blob is rejected without a broadcast.
package simulator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Caller is the node surface the simulator needs. *ethclient.Client
// satisfies it.
type Caller interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Result represents the result of a call simulation.
type Result struct {
	Success    bool
	GasUsed    uint64
	ReturnData []byte
	Err        error
}

// Simulator executes speculative calls against the latest state.
type Simulator struct {
	caller Caller
	logger *zap.Logger
}

// NewSimulator creates a call simulator.
func NewSimulator(caller Caller, logger *zap.Logger) *Simulator {
	return &Simulator{
		caller: caller,
		logger: logger,
	}
}

// Simulate runs the call against latest state. Node and transport
// failures surface as errors; a reverting call is a non-error Result
// with Success false and the revert in Err.
func (s *Simulator) Simulate(ctx context.Context, from, to common.Address, data []byte) (*Result, error) {
	gasPrice, err := s.caller.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	msg := ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    big.NewInt(0),
		Data:     data,
	}

	gasUsed, err := s.caller.EstimateGas(ctx, msg)
	if err != nil {
		return &Result{Success: false, Err: err}, nil
	}

	ret, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return &Result{Success: false, GasUsed: gasUsed, Err: err}, nil
	}

	return &Result{
		Success:    true,
		GasUsed:    gasUsed,
		ReturnData: ret,
	}, nil
}

// Preflight dry-runs calldata and rejects it if the simulation fails.
// It satisfies the sender's pre-broadcast hook.
func (s *Simulator) Preflight(ctx context.Context, from, to common.Address, data []byte) error {
	result, err := s.Simulate(ctx, from, to, data)
	if err != nil {
		return err
	}
	if !result.Success {
		s.logger.Warn("Preflight simulation reverted",
			zap.String("to", to.Hex()),
			zap.Int("calldata_bytes", len(data)),
			zap.Error(result.Err))
		return fmt.Errorf("simulator: call would revert: %w", result.Err)
	}
	s.logger.Debug("Preflight simulation passed",
		zap.String("to", to.Hex()),
		zap.Uint64("gas_used", result.GasUsed))
	return nil
}
