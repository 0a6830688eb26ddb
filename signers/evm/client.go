// Package evm provides the ethclient-backed implementation of the exact
// scheme's Chain port. Each facilitator wallet gets its own Client holding
// the wallet's key; reads go through eth_call, writes are signed locally
// and broadcast raw.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	x402evm "github.com/x402-foundation/facilitator/mechanisms/evm"
)

// rpcTimeout bounds every outbound RPC call.
const rpcTimeout = 30 * time.Second

// receiptPollInterval is the receipt poll cadence. Block times across the
// supported networks range from one to six seconds.
const receiptPollInterval = time.Second

// Client is one wallet's connection to an EVM node.
type Client struct {
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the RPC endpoint and binds it to a hex-encoded wallet
// private key (with or without the 0x prefix).
func NewClient(rpcURL, privateKeyHex string) (*Client, error) {
	clients, err := NewClientPool(rpcURL, []string{privateKeyHex})
	if err != nil {
		return nil, err
	}
	return clients[0], nil
}

// NewClientPool builds one Client per wallet key, all sharing a single RPC
// connection.
func NewClientPool(rpcURL string, privateKeyHexes []string) ([]*Client, error) {
	httpClient := &http.Client{Timeout: rpcTimeout}
	rpcClient, err := rpc.DialHTTPWithClient(rpcURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	clients := make([]*Client, 0, len(privateKeyHexes))
	for _, keyHex := range privateKeyHexes {
		privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		clients = append(clients, &Client{
			client:     eth,
			privateKey: privateKey,
			address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		})
	}
	return clients, nil
}

// Address returns the wallet address this client signs with.
func (c *Client) Address() string {
	return c.address.Hex()
}

// GetChainID fetches the chain ID once and caches it.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	c.chainID = chainID
	return chainID, nil
}

// GetBalance returns the native balance of an address in wei.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	balance, err := c.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// GetTransactionCount returns the pending-tag nonce for an address.
func (c *Client) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	nonce, err := c.client.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("failed to get transaction count: %w", err)
	}
	return nonce, nil
}

// GetCode returns the bytecode at an address, empty for EOAs.
func (c *Client) GetCode(ctx context.Context, address string) ([]byte, error) {
	code, err := c.client.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	return code, nil
}

// ReadContract performs an eth_call against a contract method.
func (c *Client) ReadContract(ctx context.Context, call x402evm.ContractCall) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(call.ABI)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", call.Method, err)
	}

	addr := common.HexToAddress(call.Address)
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(call.Method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", call.Method, err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// SuggestGasPrice returns the node's suggested gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return gasPrice, nil
}

// WriteContract signs a contract transaction with the captive key and
// broadcasts it, returning the transaction hash.
func (c *Client) WriteContract(ctx context.Context, write x402evm.ContractWrite) (string, error) {
	chainID, err := c.GetChainID(ctx)
	if err != nil {
		return "", err
	}

	contractABI, err := abi.JSON(strings.NewReader(string(write.ABI)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(write.Method, write.Args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s call: %w", write.Method, err)
	}

	nonce := uint64(0)
	if write.Nonce != nil {
		nonce = *write.Nonce
	} else {
		nonce, err = c.client.PendingNonceAt(ctx, c.address)
		if err != nil {
			return "", fmt.Errorf("failed to get nonce: %w", err)
		}
	}

	gasPrice := write.GasPrice
	if gasPrice == nil {
		gasPrice, err = c.client.SuggestGasPrice(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get gas price: %w", err)
		}
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(write.Address), big.NewInt(0), write.GasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign tx: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send tx: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls for the receipt until the transaction is
// mined or ctx expires. Transient RPC errors do not abort the wait.
func (c *Client) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      txHash,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}
