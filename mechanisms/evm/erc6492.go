package evm

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// erc6492MagicSuffix is the 32-byte suffix that marks a signature as
// ERC-6492 wrapped (a signature from a contract wallet that may not be
// deployed yet).
var erc6492MagicSuffix = common.Hex2Bytes("6492649264926492649264926492649264926492649264926492649264926492")

// eip1271MagicValue is the 4-byte value isValidSignature returns on success.
var eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// IsERC6492Signature reports whether the signature carries the ERC-6492
// magic suffix.
func IsERC6492Signature(signature []byte) bool {
	if len(signature) < 32 {
		return false
	}
	return bytes.Equal(signature[len(signature)-32:], erc6492MagicSuffix)
}

// ParseERC6492Signature decodes an ERC-6492 wrapped signature into its
// factory address, factory calldata and inner signature. The wrapper is
// abi.encode(address, bytes, bytes) followed by the magic suffix.
func ParseERC6492Signature(signature []byte) (*ERC6492SignatureData, error) {
	if !IsERC6492Signature(signature) {
		return nil, fmt.Errorf("signature does not have ERC-6492 magic suffix")
	}

	wrapped := signature[:len(signature)-32]

	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create address type: %w", err)
	}
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytes type: %w", err)
	}

	args := abi.Arguments{
		{Type: addressType},
		{Type: bytesType},
		{Type: bytesType},
	}

	values, err := args.Unpack(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ERC-6492 wrapper: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("ERC-6492 wrapper has %d values, want 3", len(values))
	}

	factory, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("ERC-6492 factory is not an address")
	}
	factoryCalldata, ok := values[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("ERC-6492 factory calldata is not bytes")
	}
	innerSignature, ok := values[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("ERC-6492 inner signature is not bytes")
	}

	return &ERC6492SignatureData{
		Factory:         factory,
		FactoryCalldata: factoryCalldata,
		InnerSignature:  innerSignature,
	}, nil
}

// VerifyEOASignature checks a plain ECDSA signature by recovering the
// signer address and comparing it against the expected signer.
func VerifyEOASignature(digest []byte, signature []byte, expectedSigner string) (bool, error) {
	recovered, err := RecoverSigner(digest, signature)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(recovered, expectedSigner), nil
}

// VerifyERC1271Signature checks a signature against a deployed contract
// wallet by calling isValidSignature(bytes32, bytes) per EIP-1271.
func VerifyERC1271Signature(ctx context.Context, chain Chain, signer string, digest []byte, signature []byte) (bool, error) {
	var hash [32]byte
	copy(hash[:], digest)

	result, err := chain.ReadContract(ctx, ContractCall{
		Address: signer,
		ABI:     EIP1271ABI,
		Method:  "isValidSignature",
		Args:    []interface{}{hash, signature},
	})
	if err != nil {
		return false, fmt.Errorf("isValidSignature call failed: %w", err)
	}

	magic, ok := result.([4]byte)
	if !ok {
		// go-ethereum may return the value as a byte slice depending on
		// how the caller unpacks it
		raw, isBytes := result.([]byte)
		if !isBytes || len(raw) < 4 {
			return false, fmt.Errorf("unexpected isValidSignature result type %T", result)
		}
		copy(magic[:], raw[:4])
	}

	return magic == eip1271MagicValue, nil
}

// VerifySignature checks a signature over digest against the expected
// signer, handling all three account kinds:
//
//  1. ERC-6492 wrapped signatures are unwrapped and the inner signature
//     is verified (against the deployed wallet when code exists, else by
//     ECDSA recovery of the inner signature).
//  2. If the signer account has deployed code, EIP-1271 is used.
//  3. Otherwise plain ECDSA recovery is performed.
func VerifySignature(ctx context.Context, chain Chain, signer string, digest []byte, signature []byte) (bool, error) {
	if IsERC6492Signature(signature) {
		parsed, err := ParseERC6492Signature(signature)
		if err != nil {
			return false, err
		}
		signature = parsed.InnerSignature
	}

	// Plain ECDSA first: the common case, and it requires no RPC.
	if len(signature) == 65 {
		valid, err := VerifyEOASignature(digest, signature, signer)
		if err == nil && valid {
			return true, nil
		}
	}

	// Fall back to EIP-1271 when the signer is a deployed contract.
	code, err := chain.GetCode(ctx, signer)
	if err != nil {
		return false, fmt.Errorf("failed to check account code: %w", err)
	}
	if len(code) > 0 {
		return VerifyERC1271Signature(ctx, chain, signer, digest, signature)
	}

	return false, nil
}
