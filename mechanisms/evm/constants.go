package evm

const (
	// Scheme identifier
	SchemeExact = "exact"

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// DefaultGasLimit bounds a transferWithAuthorization call.
	DefaultGasLimit = 150_000

	// ValidAfterSkewSeconds is the clock-skew tolerance applied to validAfter
	// on slow chains.
	ValidAfterSkewSeconds = 6

	// DefaultBlockTimeSeconds pads validBefore so the authorization is still
	// live when the transaction lands in a block.
	DefaultBlockTimeSeconds = 6

	// ERC-6492 magic value (last 32 bytes of a wrapped signature).
	// This is bytes32(uint256(keccak256("erc6492.invalid.signature")) - 1)
	ERC6492MagicValue = "0x6492649264926492649264926492649264926492649264926492649264926492"

	// EIP-1271 magic value (returned by isValidSignature on success)
	EIP1271MagicValue = "0x1626ba7e"
)

// Error reason codes surfaced in verify/settle responses.
const (
	ErrInvalidSignature        = "invalid_exact_evm_payload_signature"
	ErrInvalidValidAfter       = "invalid_exact_evm_payload_authorization_valid_after"
	ErrInvalidValidBefore      = "invalid_exact_evm_payload_authorization_valid_before"
	ErrInvalidValue            = "invalid_exact_evm_payload_authorization_value"
	ErrRecipientMismatch       = "invalid_exact_evm_payload_recipient_mismatch"
	ErrInsufficientFunds       = "insufficient_funds"
	ErrInvalidRequirements     = "invalid_payment_requirements"
	ErrInvalidScheme           = "invalid_scheme"
	ErrInvalidNetwork          = "invalid_network"
	ErrInvalidPayload          = "invalid_payload"
	ErrInvalidPayment          = "invalid_payment"
	ErrInvalidTransactionState = "invalid_transaction_state"
	ErrTransactionFailed       = "blockchain_transaction_failed"
	ErrInsufficientGasBalance  = "insufficient_facilitator_gas_balance"
	ErrNetworkNotAllowed       = "network_not_allowed"
	ErrNoWalletsConfigured     = "no_wallets_configured"
	ErrAllWalletsBusy          = "all_wallets_busy"
)

var (
	// EIP-3009 ABI for transferWithAuthorization with v,r,s (EOA signatures)
	TransferWithAuthorizationVRSABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// EIP-3009 ABI for transferWithAuthorization with a bytes signature.
	// Used for smart-wallet signatures and on zkStack chains where contract
	// accounts are the norm.
	TransferWithAuthorizationBytesABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "signature", "type": "bytes"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ABI for the EIP-3009 authorizationState check
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20NameABI for reading the token name (EIP-712 domain fallback)
	ERC20NameABI = []byte(`[
		{
			"inputs": [],
			"name": "name",
			"outputs": [{"name": "", "type": "string"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20VersionABI for reading the token version (EIP-712 domain fallback)
	ERC20VersionABI = []byte(`[
		{
			"inputs": [],
			"name": "version",
			"outputs": [{"name": "", "type": "string"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// EIP1271ABI for isValidSignature on contract accounts
	EIP1271ABI = []byte(`[
		{
			"inputs": [
				{"name": "hash", "type": "bytes32"},
				{"name": "signature", "type": "bytes"}
			],
			"name": "isValidSignature",
			"outputs": [{"name": "", "type": "bytes4"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)
