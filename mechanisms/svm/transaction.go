package svm

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/token"
)

// DecodeTransaction decodes a base64-encoded serialized transaction.
func DecodeTransaction(txBase64 string) (*solana.Transaction, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(txBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize transaction: %w", err)
	}
	return tx, nil
}

// EncodeTransaction serializes a transaction to base64.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	txBytes, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(txBytes), nil
}

type instructionKind int

const (
	kindUnknown instructionKind = iota
	kindComputeUnitLimit
	kindComputeUnitPrice
	kindCreateATA
	kindTransferChecked
)

func classifyInstruction(msg *solana.Message, inst solana.CompiledInstruction) instructionKind {
	if int(inst.ProgramIDIndex) >= len(msg.AccountKeys) {
		return kindUnknown
	}
	program := msg.AccountKeys[inst.ProgramIDIndex]
	switch {
	case program.Equals(solana.ComputeBudget):
		if len(inst.Data) == 0 {
			return kindUnknown
		}
		switch inst.Data[0] {
		case computeUnitLimitDiscriminator:
			return kindComputeUnitLimit
		case computeUnitPriceDiscriminator:
			return kindComputeUnitPrice
		}
		return kindUnknown
	case program.Equals(solana.SPLAssociatedTokenAccountProgramID):
		return kindCreateATA
	case program.Equals(solana.TokenProgramID), program.Equals(solana.Token2022ProgramID):
		if len(inst.Data) > 0 && inst.Data[0] == transferCheckedDiscriminator {
			return kindTransferChecked
		}
		return kindUnknown
	}
	return kindUnknown
}

// instructionLayout is the decomposed shape of a valid payment transaction.
type instructionLayout struct {
	createATAIndex int // -1 when absent
	transferIndex  int
}

// validateShape enforces the only instruction sequence a payment may carry,
// in order: SetComputeUnitLimit (optional), SetComputeUnitPrice (optional),
// recipient token account creation (optional), and a single TransferChecked
// as the final instruction.
func validateShape(msg *solana.Message) (*instructionLayout, error) {
	layout := &instructionLayout{createATAIndex: -1, transferIndex: -1}

	stage := 0
	for i, inst := range msg.Instructions {
		switch classifyInstruction(msg, inst) {
		case kindComputeUnitLimit:
			if stage >= 1 {
				return nil, fmt.Errorf("unexpected SetComputeUnitLimit at instruction %d", i)
			}
			stage = 1
		case kindComputeUnitPrice:
			if stage >= 2 {
				return nil, fmt.Errorf("unexpected SetComputeUnitPrice at instruction %d", i)
			}
			price, err := computeUnitPrice(msg, inst)
			if err != nil {
				return nil, err
			}
			if price > MaxComputeUnitPriceMicroLamports {
				return nil, fmt.Errorf("compute unit price %d exceeds maximum %d", price, MaxComputeUnitPriceMicroLamports)
			}
			stage = 2
		case kindCreateATA:
			if stage >= 3 {
				return nil, fmt.Errorf("unexpected account creation at instruction %d", i)
			}
			layout.createATAIndex = i
			stage = 3
		case kindTransferChecked:
			if stage >= 4 {
				return nil, fmt.Errorf("more than one TransferChecked instruction")
			}
			layout.transferIndex = i
			stage = 4
		default:
			return nil, fmt.Errorf("unsupported instruction at index %d", i)
		}
	}
	if layout.transferIndex < 0 {
		return nil, fmt.Errorf("transaction has no TransferChecked instruction")
	}
	return layout, nil
}

func computeUnitPrice(msg *solana.Message, inst solana.CompiledInstruction) (uint64, error) {
	accounts, err := inst.ResolveInstructionAccounts(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve compute budget accounts: %w", err)
	}
	decoded, err := computebudget.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to decode compute budget instruction: %w", err)
	}
	price, ok := decoded.Impl.(*computebudget.SetComputeUnitPrice)
	if !ok {
		return 0, fmt.Errorf("instruction is not SetComputeUnitPrice")
	}
	return price.MicroLamports, nil
}

// parsedTransfer is a decoded TransferChecked instruction. Accounts follow
// the SPL layout: source, mint, destination, authority.
type parsedTransfer struct {
	amount      uint64
	decimals    uint8
	source      solana.PublicKey
	mint        solana.PublicKey
	destination solana.PublicKey
	owner       solana.PublicKey
}

func parseTransferChecked(msg *solana.Message, inst solana.CompiledInstruction) (*parsedTransfer, error) {
	accounts, err := inst.ResolveInstructionAccounts(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve transfer accounts: %w", err)
	}
	if len(accounts) < 4 {
		return nil, fmt.Errorf("transfer instruction has %d accounts, want at least 4", len(accounts))
	}
	decoded, err := token.DecodeInstruction(accounts, inst.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode transfer instruction: %w", err)
	}
	transfer, ok := decoded.Impl.(*token.TransferChecked)
	if !ok {
		return nil, fmt.Errorf("instruction is not TransferChecked")
	}
	if transfer.Amount == nil || transfer.Decimals == nil {
		return nil, fmt.Errorf("transfer instruction missing amount or decimals")
	}
	return &parsedTransfer{
		amount:      *transfer.Amount,
		decimals:    *transfer.Decimals,
		source:      accounts[0].PublicKey,
		mint:        accounts[1].PublicKey,
		destination: accounts[2].PublicKey,
		owner:       accounts[3].PublicKey,
	}, nil
}

// TokenPayer extracts the transfer authority from a payment transaction,
// the wallet whose tokens move.
func TokenPayer(tx *solana.Transaction) (string, error) {
	for _, inst := range tx.Message.Instructions {
		if classifyInstruction(&tx.Message, inst) != kindTransferChecked {
			continue
		}
		transfer, err := parseTransferChecked(&tx.Message, inst)
		if err != nil {
			return "", err
		}
		return transfer.owner.String(), nil
	}
	return "", fmt.Errorf("transaction has no TransferChecked instruction")
}

// createdAccount unpacks an associated-token-account creation instruction.
// Accounts follow the ATA program layout: funder, ata, owner, mint, system
// program, token program.
func createdAccount(msg *solana.Message, inst solana.CompiledInstruction) (ata, owner, mint solana.PublicKey, err error) {
	accounts, err := inst.ResolveInstructionAccounts(msg)
	if err != nil {
		return ata, owner, mint, fmt.Errorf("failed to resolve account creation accounts: %w", err)
	}
	if len(accounts) < 4 {
		return ata, owner, mint, fmt.Errorf("account creation instruction has %d accounts, want at least 4", len(accounts))
	}
	return accounts[1].PublicKey, accounts[2].PublicKey, accounts[3].PublicKey, nil
}
