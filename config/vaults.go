package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"

	"github.com/dloop-labs/dloop-engine/vault"
)

// vaultEntry is the YAML shape of one registry entry.
type vaultEntry struct {
	Name              string `yaml:"name"`
	CollateralAsset   string `yaml:"collateral_asset"`
	DebtAsset         string `yaml:"debt_asset"`
	TargetLeverageBps uint64 `yaml:"target_leverage_bps"`
	LowerBoundBps     uint64 `yaml:"lower_bound_bps"`
	UpperBoundBps     uint64 `yaml:"upper_bound_bps"`
	MaxSubsidyBps     uint64 `yaml:"max_subsidy_bps"`
	MinDeviationBps   uint64 `yaml:"min_deviation_bps"`
}

type vaultRegistry struct {
	Vaults []vaultEntry `yaml:"vaults"`
}

// LoadVaults reads the YAML vault registry and validates every entry.
// Duplicate names are rejected; the keeper and the quote API address
// vaults by name.
func LoadVaults(path string) ([]vault.Vault, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault registry: %w", err)
	}
	return ParseVaults(raw)
}

// ParseVaults decodes and validates a YAML vault registry.
func ParseVaults(raw []byte) ([]vault.Vault, error) {
	var registry vaultRegistry
	if err := yaml.Unmarshal(raw, &registry); err != nil {
		return nil, fmt.Errorf("failed to decode vault registry: %w", err)
	}
	if len(registry.Vaults) == 0 {
		return nil, fmt.Errorf("vault registry contains no vaults")
	}

	seen := make(map[string]struct{}, len(registry.Vaults))
	vaults := make([]vault.Vault, 0, len(registry.Vaults))
	for i, entry := range registry.Vaults {
		v, err := entry.toVault()
		if err != nil {
			return nil, fmt.Errorf("vault registry entry %d: %w", i, err)
		}
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[v.Name]; dup {
			return nil, fmt.Errorf("vault registry: duplicate vault name %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		vaults = append(vaults, v)
	}
	return vaults, nil
}

func (e vaultEntry) toVault() (vault.Vault, error) {
	collateral, err := parseAddress(e.CollateralAsset)
	if err != nil {
		return vault.Vault{}, fmt.Errorf("collateral_asset: %w", err)
	}
	debt, err := parseAddress(e.DebtAsset)
	if err != nil {
		return vault.Vault{}, fmt.Errorf("debt_asset: %w", err)
	}

	return vault.Vault{
		Name:              e.Name,
		CollateralAsset:   collateral,
		DebtAsset:         debt,
		TargetLeverageBps: e.TargetLeverageBps,
		LowerBoundBps:     e.LowerBoundBps,
		UpperBoundBps:     e.UpperBoundBps,
		MaxSubsidyBps:     e.MaxSubsidyBps,
		MinDeviationBps:   e.MinDeviationBps,
	}, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", s)
	}
	return common.HexToAddress(s), nil
}
