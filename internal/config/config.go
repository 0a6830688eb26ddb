// Package config loads the facilitator service configuration from the
// environment. Values arrive pre-parsed: thresholds in base units, intervals
// as durations, strategies as wallet package constants.
package config

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/x402-foundation/facilitator/pkg/types"
	"github.com/x402-foundation/facilitator/wallet"
)

const (
	DefaultPort       = "4022"
	DefaultEvmNetwork = "base-sepolia"
	DefaultSvmNetwork = "solana-devnet"
)

var (
	// DefaultGasThresholdEvm is 0.01 ETH in wei.
	DefaultGasThresholdEvm = big.NewInt(1e16)
	// DefaultGasThresholdSvm is 0.1 SOL in lamports.
	DefaultGasThresholdSvm = uint64(100_000_000)
)

// Config is the parsed service configuration.
type Config struct {
	Port string

	// EvmPrivateKeys holds the hex wallet keys (FACILITATOR_WALLETS, or the
	// single EVM_PRIVATE_KEY). Empty disables EVM settlement.
	EvmPrivateKeys []string
	// SvmPrivateKey is the base58 fee-payer key. Empty disables SVM.
	SvmPrivateKey string

	DefaultEvmNetwork string
	DefaultSvmNetwork string
	// EvmRPCURL overrides the default EVM network's RPC endpoint.
	EvmRPCURL string
	// SvmRPCURL overrides the default SVM network's RPC endpoint.
	SvmRPCURL string

	// AllowedNetworks restricts serving; empty means every known network.
	AllowedNetworks []string

	GasThresholdEvm *big.Int
	GasThresholdSvm uint64

	Wallet wallet.Config

	AllowLocalhostResources bool

	// RedisAddr enables the persistent discovery store when set.
	RedisAddr     string
	RedisPassword string
}

// Load reads and validates the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              envOr("PORT", DefaultPort),
		SvmPrivateKey:     os.Getenv("SVM_PRIVATE_KEY"),
		DefaultEvmNetwork: envOr("DEFAULT_EVM_NETWORK", DefaultEvmNetwork),
		DefaultSvmNetwork: envOr("DEFAULT_SVM_NETWORK", DefaultSvmNetwork),
		EvmRPCURL:         os.Getenv("EVM_RPC_URL"),
		SvmRPCURL:         os.Getenv("SVM_RPC_URL"),
		GasThresholdEvm:   DefaultGasThresholdEvm,
		GasThresholdSvm:   DefaultGasThresholdSvm,
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
	}

	cfg.EvmPrivateKeys = splitList(os.Getenv("FACILITATOR_WALLETS"))
	if len(cfg.EvmPrivateKeys) == 0 {
		if key := strings.TrimSpace(os.Getenv("EVM_PRIVATE_KEY")); key != "" {
			cfg.EvmPrivateKeys = []string{key}
		}
	}
	if len(cfg.EvmPrivateKeys) == 0 && cfg.SvmPrivateKey == "" {
		return nil, fmt.Errorf("no signing keys configured: set EVM_PRIVATE_KEY, FACILITATOR_WALLETS or SVM_PRIVATE_KEY")
	}

	if !types.IsEVMNetwork(cfg.DefaultEvmNetwork) {
		return nil, fmt.Errorf("DEFAULT_EVM_NETWORK %q is not a known EVM network", cfg.DefaultEvmNetwork)
	}
	if !types.IsSVMNetwork(cfg.DefaultSvmNetwork) {
		return nil, fmt.Errorf("DEFAULT_SVM_NETWORK %q is not a known SVM network", cfg.DefaultSvmNetwork)
	}

	cfg.AllowedNetworks = splitList(os.Getenv("ALLOWED_NETWORKS"))
	for _, network := range cfg.AllowedNetworks {
		if !types.IsSupportedNetwork(network) {
			return nil, fmt.Errorf("ALLOWED_NETWORKS contains unknown network %q", network)
		}
	}

	if raw := os.Getenv("GAS_BALANCE_THRESHOLD_EVM"); raw != "" {
		wei, err := parseDecimalUnits(raw, 18)
		if err != nil {
			return nil, fmt.Errorf("GAS_BALANCE_THRESHOLD_EVM: %w", err)
		}
		cfg.GasThresholdEvm = wei
	}
	if raw := os.Getenv("GAS_BALANCE_THRESHOLD_SVM"); raw != "" {
		lamports, err := parseDecimalUnits(raw, 9)
		if err != nil {
			return nil, fmt.Errorf("GAS_BALANCE_THRESHOLD_SVM: %w", err)
		}
		if !lamports.IsUint64() {
			return nil, fmt.Errorf("GAS_BALANCE_THRESHOLD_SVM %q is out of range", raw)
		}
		cfg.GasThresholdSvm = lamports.Uint64()
	}

	var err error
	if cfg.Wallet.MaxPendingPerWallet, err = envInt("MAX_PENDING_PER_WALLET"); err != nil {
		return nil, err
	}
	if cfg.Wallet.HealthCheckInterval, err = envMillis("HEALTH_CHECK_INTERVAL_MS"); err != nil {
		return nil, err
	}
	if cfg.Wallet.PendingTxTimeout, err = envMillis("PENDING_TX_TIMEOUT_MS"); err != nil {
		return nil, err
	}
	if cfg.Wallet.MaxRetryAttempts, err = envInt("MAX_RETRY_ATTEMPTS"); err != nil {
		return nil, err
	}
	if cfg.Wallet.RetryDelay, err = envMillis("RETRY_DELAY_MS"); err != nil {
		return nil, err
	}
	if cfg.Wallet.SelectionStrategy, err = parseStrategy(os.Getenv("WALLET_SELECTION_STRATEGY")); err != nil {
		return nil, err
	}
	cfg.Wallet.MinNativeBalance = cfg.GasThresholdEvm

	if raw := os.Getenv("ALLOW_LOCALHOST_RESOURCES"); raw != "" {
		allow, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("ALLOW_LOCALHOST_RESOURCES: %w", err)
		}
		cfg.AllowLocalhostResources = allow
	}

	return cfg, nil
}

// NetworkAllowed applies the ALLOWED_NETWORKS filter.
func (c *Config) NetworkAllowed(network string) bool {
	if len(c.AllowedNetworks) == 0 {
		return true
	}
	for _, allowed := range c.AllowedNetworks {
		if allowed == network {
			return true
		}
	}
	return false
}

// EVMNetworks returns the EVM networks the service will serve, sorted.
func (c *Config) EVMNetworks() []string {
	return c.filterNetworks(types.EVMNetworks())
}

// SVMNetworks returns the SVM networks the service will serve, sorted.
func (c *Config) SVMNetworks() []string {
	return c.filterNetworks(types.SVMNetworks())
}

func (c *Config) filterNetworks(networks []string) []string {
	var out []string
	for _, network := range networks {
		if c.NetworkAllowed(network) {
			out = append(out, network)
		}
	}
	sort.Strings(out)
	return out
}

// RPCURL resolves a network's RPC endpoint, applying the env overrides to
// the default networks.
func (c *Config) RPCURL(network string) string {
	if network == c.DefaultEvmNetwork && c.EvmRPCURL != "" {
		return c.EvmRPCURL
	}
	if network == c.DefaultSvmNetwork && c.SvmRPCURL != "" {
		return c.SvmRPCURL
	}
	cfg, ok := types.GetNetworkConfig(network)
	if !ok {
		return ""
	}
	return cfg.DefaultRPC
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be non-negative", name)
	}
	return n, nil
}

func envMillis(name string) (time.Duration, error) {
	n, err := envInt(name)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseStrategy(raw string) (wallet.Strategy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")) {
	case "":
		return "", nil
	case string(wallet.StrategyRoundRobin):
		return wallet.StrategyRoundRobin, nil
	case string(wallet.StrategyLeastPending):
		return wallet.StrategyLeastPending, nil
	case string(wallet.StrategyHybrid):
		return wallet.StrategyHybrid, nil
	default:
		return "", fmt.Errorf("WALLET_SELECTION_STRATEGY %q is not one of round-robin, least-pending, hybrid", raw)
	}
}

// parseDecimalUnits converts a decimal string to base units with the given
// number of decimals, truncating any excess precision.
func parseDecimalUnits(s string, decimals int) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("%q is not a decimal number", s)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("%q is negative", s)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}
