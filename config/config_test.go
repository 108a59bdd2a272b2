package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")

	cfg := DefaultConfig()
	cfg.ChainID = 146
	cfg.RPCEndpoint = "https://rpc.soniclabs.com"
	cfg.KeeperInterval = 45 * time.Second
	cfg.DryRun = true
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(146), loaded.ChainID)
	assert.Equal(t, "https://rpc.soniclabs.com", loaded.RPCEndpoint)
	assert.Equal(t, 45*time.Second, loaded.KeeperInterval)
	assert.True(t, loaded.DryRun)
	assert.Equal(t, cfg.MaxGasPrice.String(), loaded.MaxGasPrice.String())
}

func TestConfigValidateReportsAllProblems(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain_id must be positive")
	assert.Contains(t, err.Error(), "rpc_endpoint must be specified")
	assert.Contains(t, err.Error(), "vault_registry_path must be specified")
	assert.Contains(t, err.Error(), "max_gas_price must be positive")
	assert.Contains(t, err.Error(), "circuit breaker error")
}

func TestConfigValidateThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriceThresholds = []PriceThresholdConfig{{
		LowerBound: big.NewInt(0),
	}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price threshold 0")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

const registryYAML = `
vaults:
  - name: weth-3x
    collateral_asset: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    debt_asset: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    target_leverage_bps: 30000
    lower_bound_bps: 25000
    upper_bound_bps: 35000
    max_subsidy_bps: 500
    min_deviation_bps: 100
  - name: pt-susde-2x
    collateral_asset: "0x6c9f097e044506712B58EAC670c9a5fd4BCceF13"
    debt_asset: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
    target_leverage_bps: 20000
    lower_bound_bps: 17000
    upper_bound_bps: 23000
    max_subsidy_bps: 300
    min_deviation_bps: 50
`

func TestParseVaults(t *testing.T) {
	vaults, err := ParseVaults([]byte(registryYAML))
	require.NoError(t, err)
	require.Len(t, vaults, 2)

	assert.Equal(t, "weth-3x", vaults[0].Name)
	assert.Equal(t, uint64(30_000), vaults[0].TargetLeverageBps)
	assert.Equal(t, "pt-susde-2x", vaults[1].Name)
	assert.Equal(t, uint64(300), vaults[1].MaxSubsidyBps)
}

func TestParseVaultsRejectsDuplicates(t *testing.T) {
	dup := registryYAML + `
  - name: weth-3x
    collateral_asset: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    debt_asset: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    target_leverage_bps: 30000
    lower_bound_bps: 25000
    upper_bound_bps: 35000
    max_subsidy_bps: 500
    min_deviation_bps: 100
`
	_, err := ParseVaults([]byte(dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate vault name")
}

func TestParseVaultsRejectsBadAddress(t *testing.T) {
	bad := `
vaults:
  - name: broken
    collateral_asset: "not-an-address"
    debt_asset: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    target_leverage_bps: 30000
    lower_bound_bps: 25000
    upper_bound_bps: 35000
`
	_, err := ParseVaults([]byte(bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a hex address")
}

func TestParseVaultsRejectsBadBounds(t *testing.T) {
	bad := `
vaults:
  - name: inverted
    collateral_asset: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    debt_asset: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    target_leverage_bps: 30000
    lower_bound_bps: 35000
    upper_bound_bps: 25000
`
	_, err := ParseVaults([]byte(bad))
	require.Error(t, err)
}

func TestLoadVaultsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o600))

	vaults, err := LoadVaults(path)
	require.NoError(t, err)
	assert.Len(t, vaults, 2)
}

func TestGetEnvWithDefault(t *testing.T) {
	t.Setenv("DLOOP_TEST_ENV", "")
	assert.Equal(t, "fallback", GetEnvWithDefault("DLOOP_TEST_ENV", "fallback"))

	t.Setenv("DLOOP_TEST_ENV", "set")
	assert.Equal(t, "set", GetEnvWithDefault("DLOOP_TEST_ENV", "fallback"))
}

func TestLoadSecureConfig(t *testing.T) {
	t.Setenv(EnvPrivateKey, "")
	_, err := LoadSecureConfig()
	require.Error(t, err)

	t.Setenv(EnvPrivateKey, "abcd")
	sec, err := LoadSecureConfig()
	require.NoError(t, err)
	assert.Equal(t, "abcd", sec.PrivateKey)
}
