// Package config loads the engine's JSON configuration, the YAML vault
// registry and environment secrets. Validation reports every problem in
// one pass so a broken deployment fails loudly at startup, not on the
// first rebalance.
package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	// Chain and network settings
	ChainID     int64  `json:"chain_id"`
	RPCEndpoint string `json:"rpc_endpoint"`
	WSEndpoint  string `json:"ws_endpoint"`

	// Deployed contract addresses. Zero addresses select the canonical
	// mainnet deployments baked into each client.
	PoolAddress         common.Address `json:"pool_address"`
	OracleAddress       common.Address `json:"oracle_address"`
	OdosRouterAddress   common.Address `json:"odos_router_address"`
	PendleRouterAddress common.Address `json:"pendle_router_address"`

	// VaultRegistryPath points at the YAML vault registry.
	VaultRegistryPath string `json:"vault_registry_path"`

	// Keeper behaviour
	KeeperInterval time.Duration `json:"keeper_interval"`
	DryRun         bool          `json:"dry_run"`

	// Economic guards
	OracleToleranceBps uint64   `json:"oracle_tolerance_bps"`
	MaxGasPrice        *big.Int `json:"max_gas_price"`

	// Odos API
	OdosAPIURL string `json:"odos_api_url"`

	// Rate limits and circuit breaking
	RPCRateLimit    RateLimitConfig      `json:"rpc_rate_limit"`
	ServerRateLimit RateLimitConfig      `json:"server_rate_limit"`
	CircuitBreaker  CircuitBreakerConfig `json:"circuit_breaker"`

	// Serving endpoints
	ServerListenAddr   string `json:"server_listen_addr"`
	PrometheusEnabled  bool   `json:"prometheus_enabled"`
	PrometheusEndpoint string `json:"prometheus_endpoint"`

	// Oracle price thresholds for hard-pegged assets.
	PriceThresholds []PriceThresholdConfig `json:"price_thresholds,omitempty"`
}

// PriceThresholdConfig pins an asset's oracle price to a fixed value once
// the raw price clears the lower bound.
type PriceThresholdConfig struct {
	Asset      common.Address `json:"asset"`
	LowerBound *big.Int       `json:"lower_bound"`
	FixedPrice *big.Int       `json:"fixed_price"`
}

type CircuitBreakerConfig struct {
	ErrorThreshold int           `json:"error_threshold"`
	ResetInterval  time.Duration `json:"reset_interval"`
	CooldownPeriod time.Duration `json:"cooldown_period"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
}

// Validate checks the whole configuration and reports every problem at
// once.
func (c *Config) Validate() error {
	var problems []string

	if c.ChainID <= 0 {
		problems = append(problems, "chain_id must be positive")
	}
	if c.RPCEndpoint == "" {
		problems = append(problems, "rpc_endpoint must be specified")
	}
	if c.VaultRegistryPath == "" {
		problems = append(problems, "vault_registry_path must be specified")
	}
	if c.KeeperInterval <= 0 {
		problems = append(problems, "keeper_interval must be positive")
	}
	if c.OracleToleranceBps == 0 {
		problems = append(problems, "oracle_tolerance_bps must be positive")
	}
	if c.MaxGasPrice == nil || c.MaxGasPrice.Sign() <= 0 {
		problems = append(problems, "max_gas_price must be positive")
	}

	if err := c.RPCRateLimit.Validate(); err != nil {
		problems = append(problems, fmt.Sprintf("rpc rate limit error: %v", err))
	}
	if err := c.ServerRateLimit.Validate(); err != nil {
		problems = append(problems, fmt.Sprintf("server rate limit error: %v", err))
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		problems = append(problems, fmt.Sprintf("circuit breaker error: %v", err))
	}

	for i, th := range c.PriceThresholds {
		if th.Asset == (common.Address{}) {
			problems = append(problems, fmt.Sprintf("price threshold %d: asset must be specified", i))
		}
		if th.LowerBound == nil || th.LowerBound.Sign() <= 0 {
			problems = append(problems, fmt.Sprintf("price threshold %d: lower_bound must be positive", i))
		}
		if th.FixedPrice == nil || th.FixedPrice.Sign() <= 0 {
			problems = append(problems, fmt.Sprintf("price threshold %d: fixed_price must be positive", i))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *CircuitBreakerConfig) Validate() error {
	if c.ErrorThreshold <= 0 {
		return fmt.Errorf("error threshold must be positive")
	}
	if c.ResetInterval <= 0 {
		return fmt.Errorf("reset interval must be positive")
	}
	if c.CooldownPeriod <= 0 {
		return fmt.Errorf("cooldown period must be positive")
	}
	return nil
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests per second must be positive")
	}
	if r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	return nil
}

// LoadConfig reads and validates a JSON configuration file. An empty path
// selects $HOME/.dloop-engine.json.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, ".dloop-engine.json")
	}

	file, err := os.Open(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	config := DefaultConfig()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig writes the configuration as indented JSON.
func SaveConfig(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfgFile = filepath.Join(home, ".dloop-engine.json")
	}

	file, err := os.Create(cfgFile)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "    ")
	return encoder.Encode(cfg)
}

// DefaultConfig returns a mainnet configuration with conservative guards.
// Contract addresses default to zero, which selects each client's
// canonical deployment.
func DefaultConfig() *Config {
	return &Config{
		ChainID:            1,
		RPCEndpoint:        "http://localhost:8545",
		WSEndpoint:         "ws://localhost:8546",
		VaultRegistryPath:  "vaults.yaml",
		KeeperInterval:     30 * time.Second,
		DryRun:             false,
		OracleToleranceBps: 500,
		MaxGasPrice:        big.NewInt(500_000_000_000), // 500 Gwei
		RPCRateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			BurstSize:         20,
		},
		ServerRateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			BurstSize:         100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: 5,
			ResetInterval:  5 * time.Minute,
			CooldownPeriod: 10 * time.Minute,
		},
		ServerListenAddr:   ":8080",
		PrometheusEnabled:  true,
		PrometheusEndpoint: "/metrics",
	}
}
