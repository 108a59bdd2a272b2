package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvPrivateKey  = "DLOOP_PRIVATE_KEY"
	EnvRPCEndpoint = "RPC_ENDPOINT"
	EnvNetwork     = "NETWORK" // mainnet, sepolia, holesky
)

// LoadEnv loads environment variables from a .env file. A missing file is
// not an error; secrets may come from the process environment directly.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetRequiredEnv gets an environment variable that must be set.
func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s not set", key)
	}
	return value, nil
}

// SecureConfig holds secrets never written to the JSON config.
type SecureConfig struct {
	PrivateKey string
}

// LoadSecureConfig reads secrets from the environment.
func LoadSecureConfig() (*SecureConfig, error) {
	privateKey, err := GetRequiredEnv(EnvPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("private key not found: %w", err)
	}
	return &SecureConfig{PrivateKey: privateKey}, nil
}
