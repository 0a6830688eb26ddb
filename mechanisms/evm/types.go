package evm

import (
	"context"
	"math/big"
)

// Chain is the EVM node surface the exact scheme depends on. Implementations
// live in signers/evm; tests substitute mocks.
type Chain interface {
	// GetChainID returns the chain ID of the connected network
	GetChainID(ctx context.Context) (*big.Int, error)

	// GetBalance returns the native balance of an address in wei
	GetBalance(ctx context.Context, address string) (*big.Int, error)

	// GetTransactionCount returns the pending-tag nonce for an address
	GetTransactionCount(ctx context.Context, address string) (uint64, error)

	// GetCode returns the bytecode at the given address.
	// Returns an empty slice if the address is an EOA or does not exist.
	GetCode(ctx context.Context, address string) ([]byte, error)

	// ReadContract performs an eth_call against a contract method
	ReadContract(ctx context.Context, call ContractCall) (interface{}, error)

	// SuggestGasPrice returns the node's suggested gas price
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// WriteContract signs and broadcasts a contract transaction, returning
	// the transaction hash
	WriteContract(ctx context.Context, write ContractWrite) (string, error)

	// WaitForTransactionReceipt polls until the transaction is mined or ctx
	// expires
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// ContractCall describes a read-only contract invocation.
type ContractCall struct {
	Address string
	ABI     []byte
	Method  string
	Args    []interface{}
}

// ContractWrite describes a state-changing contract invocation. Nonce and
// GasPrice are optional; when nil the signer queries the node.
type ContractWrite struct {
	Address  string
	ABI      []byte
	Method   string
	Args     []interface{}
	Nonce    *uint64
	GasLimit uint64
	GasPrice *big.Int
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ERC6492SignatureData represents the parsed components of an ERC-6492 signature.
// ERC-6492 allows signatures from undeployed smart contract accounts by wrapping
// the signature with deployment information (factory address and calldata).
type ERC6492SignatureData struct {
	Factory         [20]byte // CREATE2 factory address (zero address if not ERC-6492)
	FactoryCalldata []byte   // Calldata to deploy the wallet (empty if not ERC-6492)
	InnerSignature  []byte   // The actual signature (EIP-1271 or EOA)
}
