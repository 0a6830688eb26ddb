package types

import "math/big"

// NetworkType partitions supported networks by chain family.
type NetworkType string

const (
	NetworkTypeEVM NetworkType = "evm"
	NetworkTypeSVM NetworkType = "svm"
)

// AssetInfo describes the default settlement asset on a network, including
// the EIP-712 domain parameters its ERC-3009 implementation signs under.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig describes one supported network.
type NetworkConfig struct {
	Type    NetworkType
	ChainID *big.Int
	// DefaultRPC is used when no per-network RPC override is configured.
	DefaultRPC string
	// IsZkStack marks zkSync-era style chains whose account model makes
	// contract-wallet signatures the norm; settlement uses the bytes
	// signature variant of transferWithAuthorization there.
	IsZkStack bool
	// DefaultAsset is the network's canonical stablecoin, when one exists.
	DefaultAsset *AssetInfo
	// BlockTime is the estimated seconds between blocks, used as the
	// validBefore safety margin during verification.
	BlockTime int64
}

// NetworkConfigs enumerates every network the facilitator can serve.
//
// Default asset selection policy: each chain's officially endorsed stablecoin
// where one exists; networks without an EIP-3009 stablecoin listing carry no
// default and require requirements.extra to supply the EIP-712 domain.
var NetworkConfigs = map[string]NetworkConfig{
	"base": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(8453),
		DefaultRPC: "https://mainnet.base.org",
		BlockTime:  2,
		DefaultAsset: &AssetInfo{
			Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	"base-sepolia": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(84532),
		DefaultRPC: "https://sepolia.base.org",
		BlockTime:  2,
		DefaultAsset: &AssetInfo{
			Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	"polygon": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(137),
		DefaultRPC: "https://polygon-rpc.com",
		BlockTime:  2,
		DefaultAsset: &AssetInfo{
			Address:  "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	"polygon-amoy": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(80002),
		DefaultRPC: "https://rpc-amoy.polygon.technology",
		BlockTime:  2,
		DefaultAsset: &AssetInfo{
			Address:  "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
	"avalanche": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(43114),
		DefaultRPC: "https://api.avax.network/ext/bc/C/rpc",
		BlockTime:  2,
		DefaultAsset: &AssetInfo{
			Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	"avalanche-fuji": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(43113),
		DefaultRPC: "https://api.avax-test.network/ext/bc/C/rpc",
		BlockTime:  2,
		DefaultAsset: &AssetInfo{
			Address:  "0x5425890298aed601595a70AB815c96711a31Bc65",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	"abstract": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(2741),
		DefaultRPC: "https://api.mainnet.abs.xyz",
		IsZkStack:  true,
		BlockTime:  2,
	},
	"abstract-testnet": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(11124),
		DefaultRPC: "https://api.testnet.abs.xyz",
		IsZkStack:  true,
		BlockTime:  2,
	},
	"sei": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(1329),
		DefaultRPC: "https://evm-rpc.sei-apis.com",
		BlockTime:  2,
	},
	"sei-testnet": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(1328),
		DefaultRPC: "https://evm-rpc-testnet.sei-apis.com",
		BlockTime:  2,
	},
	"iotex": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(4689),
		DefaultRPC: "https://babel-api.mainnet.iotex.io",
		BlockTime:  5,
	},
	"peaq": {
		Type:       NetworkTypeEVM,
		ChainID:    big.NewInt(3338),
		DefaultRPC: "https://peaq.api.onfinality.io/public",
		BlockTime:  6,
	},
	"solana": {
		Type:       NetworkTypeSVM,
		DefaultRPC: "https://api.mainnet-beta.solana.com",
		DefaultAsset: &AssetInfo{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Name:     "USD Coin",
			Version:  "2",
			Decimals: 6,
		},
	},
	"solana-devnet": {
		Type:       NetworkTypeSVM,
		DefaultRPC: "https://api.devnet.solana.com",
		DefaultAsset: &AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
			Name:     "USDC",
			Version:  "2",
			Decimals: 6,
		},
	},
}

// EVMNetworks returns the supported EVM network names.
func EVMNetworks() []string {
	return networksOfType(NetworkTypeEVM)
}

// SVMNetworks returns the supported SVM network names.
func SVMNetworks() []string {
	return networksOfType(NetworkTypeSVM)
}

func networksOfType(t NetworkType) []string {
	var out []string
	for name, cfg := range NetworkConfigs {
		if cfg.Type == t {
			out = append(out, name)
		}
	}
	return out
}

// IsEVMNetwork reports whether the network is a supported EVM chain.
func IsEVMNetwork(network string) bool {
	cfg, ok := NetworkConfigs[network]
	return ok && cfg.Type == NetworkTypeEVM
}

// IsSVMNetwork reports whether the network is a supported SVM chain.
func IsSVMNetwork(network string) bool {
	cfg, ok := NetworkConfigs[network]
	return ok && cfg.Type == NetworkTypeSVM
}

// IsSupportedNetwork reports whether the facilitator knows the network at all.
func IsSupportedNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}

// GetNetworkConfig returns the configuration for a network.
func GetNetworkConfig(network string) (NetworkConfig, bool) {
	cfg, ok := NetworkConfigs[network]
	return cfg, ok
}

// ChainID returns the numeric chain ID for an EVM network, or nil for
// SVM/unknown networks.
func ChainID(network string) *big.Int {
	cfg, ok := NetworkConfigs[network]
	if !ok {
		return nil
	}
	return cfg.ChainID
}
