// Package vault orchestrates leveraged vault positions: it sizes
// rebalances from the leverage engine, executes them through the lending
// manager and swap executor, and runs the keeper loop that watches every
// registered vault.
package vault

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dloop-labs/dloop-engine/leverage"
)

// MaxSubsidyCeilingBps caps how high any vault may set its rebalance
// subsidy, regardless of registry contents.
const MaxSubsidyCeilingBps = 2_000

// Vault describes one managed leveraged position.
type Vault struct {
	Name string

	// CollateralAsset is supplied to the pool; DebtAsset is borrowed.
	CollateralAsset common.Address
	DebtAsset       common.Address

	// TargetLeverageBps sits strictly inside (LowerBoundBps, UpperBoundBps).
	// The keeper only acts while current leverage is outside the bounds.
	TargetLeverageBps uint64
	LowerBoundBps     uint64
	UpperBoundBps     uint64

	MaxSubsidyBps   uint64
	MinDeviationBps uint64
}

// Validate checks the vault descriptor, reporting every problem at once.
func (v *Vault) Validate() error {
	var problems []string

	if v.Name == "" {
		problems = append(problems, "name must be specified")
	}
	if v.CollateralAsset == (common.Address{}) {
		problems = append(problems, "collateral asset must be specified")
	}
	if v.DebtAsset == (common.Address{}) {
		problems = append(problems, "debt asset must be specified")
	}
	if v.CollateralAsset == v.DebtAsset && v.CollateralAsset != (common.Address{}) {
		problems = append(problems, "collateral and debt assets must differ")
	}

	if v.TargetLeverageBps <= leverage.OneHundredPercentBps {
		problems = append(problems, fmt.Sprintf("target leverage %d must exceed %d", v.TargetLeverageBps, leverage.OneHundredPercentBps))
	}
	if v.LowerBoundBps <= leverage.OneHundredPercentBps {
		problems = append(problems, fmt.Sprintf("lower bound %d must exceed %d", v.LowerBoundBps, leverage.OneHundredPercentBps))
	}
	if !(v.LowerBoundBps < v.TargetLeverageBps && v.TargetLeverageBps < v.UpperBoundBps) {
		problems = append(problems, fmt.Sprintf("bounds must satisfy lower %d < target %d < upper %d", v.LowerBoundBps, v.TargetLeverageBps, v.UpperBoundBps))
	}

	if v.MaxSubsidyBps > MaxSubsidyCeilingBps {
		problems = append(problems, fmt.Sprintf("max subsidy %d exceeds ceiling %d", v.MaxSubsidyBps, MaxSubsidyCeilingBps))
	}
	if v.MinDeviationBps >= v.TargetLeverageBps {
		problems = append(problems, fmt.Sprintf("min deviation %d must be below target leverage %d", v.MinDeviationBps, v.TargetLeverageBps))
	}

	if len(problems) > 0 {
		return fmt.Errorf("vault %q validation failed: %s", v.Name, strings.Join(problems, "; "))
	}
	return nil
}
