package svm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	solana "github.com/gagliardetto/solana-go"

	x402types "github.com/x402-foundation/facilitator/pkg/types"
)

const testNetwork = "solana-devnet"

var (
	testMint      = solana.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
	testBlockhash = solana.MustHashFromBase58("11111111111111111111111111111111")
)

// mockChain scripts node behavior for verifier and settler tests.
type mockChain struct {
	mu sync.Mutex

	balances     map[string]uint64
	mintDecimals map[string]uint8
	decimalsErr  error

	simResult *SimulationResult
	simErr    error
	simTx     *solana.Transaction

	sendSig   solana.Signature
	sendErr   error
	sendCalls int
	sentTx    *solana.Transaction

	statuses  []*SignatureStatus
	statusIdx int
	statusErr error

	blockhashExpired bool
}

func (m *mockChain) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account.String()], nil
}

func (m *mockChain) GetMintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decimalsErr != nil {
		return 0, m.decimalsErr
	}
	if m.mintDecimals == nil {
		return 6, nil
	}
	decimals, ok := m.mintDecimals[mint.String()]
	if !ok {
		return 0, fmt.Errorf("unknown mint %s", mint)
	}
	return decimals, nil
}

func (m *mockChain) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simTx = tx
	if m.simErr != nil {
		return nil, m.simErr
	}
	if m.simResult != nil {
		return m.simResult, nil
	}
	return &SimulationResult{}, nil
}

func (m *mockChain) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	m.sentTx = tx
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	return m.sendSig, nil
}

func (m *mockChain) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	if len(m.statuses) == 0 {
		return nil, nil
	}
	status := m.statuses[m.statusIdx]
	if m.statusIdx < len(m.statuses)-1 {
		m.statusIdx++
	}
	return status, nil
}

func (m *mockChain) IsBlockhashValid(ctx context.Context, blockhash solana.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.blockhashExpired, nil
}

func (m *mockChain) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}

// testSigner is a fee payer backed by a throwaway keypair.
type testSigner struct {
	key solana.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey() error = %v", err)
	}
	return &testSigner{key: key}
}

func (s *testSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *testSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	msgBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	sig, err := s.key.Sign(msgBytes)
	if err != nil {
		return err
	}
	index, err := tx.GetAccountIndex(s.key.PublicKey())
	if err != nil {
		return err
	}
	for len(tx.Signatures) <= int(index) {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}
	tx.Signatures[index] = sig
	return nil
}

// paymentTx assembles a base64 payment transaction the way a paying client
// would: owner-signed with the fee payer slot left open. Flags produce the
// malformed variants the verifier must reject.
type paymentTx struct {
	feePayer solana.PublicKey
	owner    solana.PrivateKey
	mint     solana.PublicKey
	payTo    solana.PublicKey
	amount   uint64
	decimals uint8

	skipComputeBudget     bool
	reverseComputeBudget  bool
	priceMicroLamports    uint64
	withCreateATA         bool
	createATAOwner        *solana.PublicKey
	destination           *solana.PublicKey
	omitTransfer          bool
	duplicateTransfer     bool
	appendAfterTransfer   bool
	withSystemInstruction bool
}

func (p paymentTx) build(t *testing.T) string {
	t.Helper()

	source, _, err := solana.FindAssociatedTokenAddress(p.owner.PublicKey(), p.mint)
	if err != nil {
		t.Fatalf("FindAssociatedTokenAddress(owner) error = %v", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(p.payTo, p.mint)
	if err != nil {
		t.Fatalf("FindAssociatedTokenAddress(payTo) error = %v", err)
	}
	if p.destination != nil {
		destination = *p.destination
	}
	createOwner := p.payTo
	createATA := destination
	if p.createATAOwner != nil {
		createOwner = *p.createATAOwner
		createATA, _, err = solana.FindAssociatedTokenAddress(createOwner, p.mint)
		if err != nil {
			t.Fatalf("FindAssociatedTokenAddress(createATAOwner) error = %v", err)
		}
	}

	signerKeys := []solana.PublicKey{p.feePayer}
	readonlySigned := 0
	if !p.owner.PublicKey().Equals(p.feePayer) {
		signerKeys = append(signerKeys, p.owner.PublicKey())
		readonlySigned = 1
	}
	writable := []solana.PublicKey{source, destination}
	if !createATA.Equals(destination) {
		writable = append(writable, createATA)
	}
	readonly := []solana.PublicKey{
		p.payTo,
		p.mint,
		solana.TokenProgramID,
		solana.ComputeBudget,
		solana.SystemProgramID,
		solana.SPLAssociatedTokenAccountProgramID,
	}
	if !createOwner.Equals(p.payTo) {
		readonly = append(readonly, createOwner)
	}

	keys := append(append([]solana.PublicKey{}, signerKeys...), writable...)
	keys = append(keys, readonly...)
	idx := func(key solana.PublicKey) uint16 {
		for i, candidate := range keys {
			if candidate.Equals(key) {
				return uint16(i)
			}
		}
		t.Fatalf("account %s not in key list", key)
		return 0
	}

	limitInst := solana.CompiledInstruction{
		ProgramIDIndex: idx(solana.ComputeBudget),
		Data:           []byte{computeUnitLimitDiscriminator, 0x40, 0x0d, 0x03, 0x00},
	}
	priceData := make([]byte, 9)
	priceData[0] = computeUnitPriceDiscriminator
	binary.LittleEndian.PutUint64(priceData[1:], p.priceMicroLamports)
	priceInst := solana.CompiledInstruction{
		ProgramIDIndex: idx(solana.ComputeBudget),
		Data:           priceData,
	}

	var instructions []solana.CompiledInstruction
	if !p.skipComputeBudget {
		if p.reverseComputeBudget {
			instructions = append(instructions, priceInst, limitInst)
		} else {
			instructions = append(instructions, limitInst, priceInst)
		}
	}
	if p.withCreateATA {
		instructions = append(instructions, solana.CompiledInstruction{
			ProgramIDIndex: idx(solana.SPLAssociatedTokenAccountProgramID),
			Accounts: []uint16{
				0,
				idx(createATA),
				idx(createOwner),
				idx(p.mint),
				idx(solana.SystemProgramID),
				idx(solana.TokenProgramID),
			},
			Data: []byte{},
		})
	}
	if p.withSystemInstruction {
		instructions = append(instructions, solana.CompiledInstruction{
			ProgramIDIndex: idx(solana.SystemProgramID),
			Accounts:       []uint16{0, idx(destination)},
			Data:           []byte{2, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0},
		})
	}

	transferData := make([]byte, 10)
	transferData[0] = transferCheckedDiscriminator
	binary.LittleEndian.PutUint64(transferData[1:9], p.amount)
	transferData[9] = p.decimals
	transferInst := solana.CompiledInstruction{
		ProgramIDIndex: idx(solana.TokenProgramID),
		Accounts: []uint16{
			idx(source),
			idx(p.mint),
			idx(destination),
			idx(p.owner.PublicKey()),
		},
		Data: transferData,
	}
	if !p.omitTransfer {
		instructions = append(instructions, transferInst)
	}
	if p.duplicateTransfer {
		instructions = append(instructions, transferInst)
	}
	if p.appendAfterTransfer {
		instructions = append(instructions, limitInst)
	}

	msg := solana.Message{
		Header: solana.MessageHeader{
			NumRequiredSignatures:       uint8(len(signerKeys)),
			NumReadonlySignedAccounts:   uint8(readonlySigned),
			NumReadonlyUnsignedAccounts: uint8(len(readonly)),
		},
		AccountKeys:     keys,
		RecentBlockhash: testBlockhash,
		Instructions:    instructions,
	}
	msgBytes, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("Message.MarshalBinary() error = %v", err)
	}
	ownerSig, err := p.owner.Sign(msgBytes)
	if err != nil {
		t.Fatalf("owner.Sign() error = %v", err)
	}
	signatures := make([]solana.Signature, len(signerKeys))
	signatures[idx(p.owner.PublicKey())] = ownerSig

	encoded, err := EncodeTransaction(&solana.Transaction{
		Signatures: signatures,
		Message:    msg,
	})
	if err != nil {
		t.Fatalf("EncodeTransaction() error = %v", err)
	}
	return encoded
}

type testEnv struct {
	chain    *mockChain
	signer   *testSigner
	verifier *Verifier
	payer    *solana.Wallet
	payTo    solana.PublicKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	chain := &mockChain{}
	signer := newTestSigner(t)
	verifier, err := NewVerifier(chain, signer, testNetwork)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	return &testEnv{
		chain:    chain,
		signer:   signer,
		verifier: verifier,
		payer:    solana.NewWallet(),
		payTo:    solana.NewWallet().PublicKey(),
	}
}

func (e *testEnv) requirements() *x402types.PaymentRequirements {
	return &x402types.PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: "1000000",
		Resource:          "https://example.com/reports/weather",
		Description:       "Premium weather report",
		MimeType:          "application/json",
		PayTo:             e.payTo.String(),
		MaxTimeoutSeconds: 60,
		Asset:             testMint.String(),
		Extra: &x402types.PaymentExtra{
			FeePayer: e.signer.PublicKey().String(),
		},
	}
}

func (e *testEnv) validTx() paymentTx {
	return paymentTx{
		feePayer: e.signer.PublicKey(),
		owner:    e.payer.PrivateKey,
		mint:     testMint,
		payTo:    e.payTo,
		amount:   1000000,
		decimals: 6,
	}
}

func paymentPayload(network, transaction string) *x402types.PaymentPayload {
	return &x402types.PaymentPayload{
		X402Version: x402types.X402Version,
		Scheme:      SchemeExact,
		Network:     network,
		Payload: map[string]interface{}{
			"transaction": transaction,
		},
	}
}

func wantInvalid(t *testing.T, resp *x402types.VerifyResponse, reason string) {
	t.Helper()
	if resp.IsValid {
		t.Fatalf("Verify() valid = true, want invalid with reason %q", reason)
	}
	if resp.InvalidReason == nil || *resp.InvalidReason != reason {
		t.Errorf("Verify() reason = %v, want %q", resp.InvalidReason, reason)
	}
}

func TestVerifyValidPayment(t *testing.T) {
	env := newTestEnv(t)
	payload := paymentPayload(testNetwork, env.validTx().build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("Verify() invalid, reason = %v", resp.InvalidReason)
	}
	if resp.Payer == nil || *resp.Payer != env.payer.PublicKey().String() {
		t.Errorf("Verify() payer = %v, want %s", resp.Payer, env.payer.PublicKey())
	}
}

func TestVerifyTransferOnlyTransaction(t *testing.T) {
	env := newTestEnv(t)
	tx := env.validTx()
	tx.skipComputeBudget = true
	payload := paymentPayload(testNetwork, tx.build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !resp.IsValid {
		t.Errorf("Verify() invalid, reason = %v", resp.InvalidReason)
	}
}

func TestVerifyCreatesRecipientTokenAccount(t *testing.T) {
	env := newTestEnv(t)
	tx := env.validTx()
	tx.withCreateATA = true
	payload := paymentPayload(testNetwork, tx.build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !resp.IsValid {
		t.Errorf("Verify() invalid, reason = %v", resp.InvalidReason)
	}
}

func TestVerifyMalformedTransaction(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name        string
		transaction string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"garbage bytes", "dGhpcyBpcyBub3QgYSB0cmFuc2FjdGlvbg=="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := paymentPayload(testNetwork, tt.transaction)
			resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			wantInvalid(t, resp, ErrInvalidTransaction)
		})
	}
}

func TestVerifyInstructionShape(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		mutate func(*paymentTx)
	}{
		{"no transfer", func(p *paymentTx) { p.omitTransfer = true }},
		{"two transfers", func(p *paymentTx) { p.duplicateTransfer = true }},
		{"instruction after transfer", func(p *paymentTx) { p.appendAfterTransfer = true }},
		{"unknown program", func(p *paymentTx) { p.withSystemInstruction = true }},
		{"compute budget out of order", func(p *paymentTx) { p.reverseComputeBudget = true }},
		{"compute price above cap", func(p *paymentTx) { p.priceMicroLamports = MaxComputeUnitPriceMicroLamports + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := env.validTx()
			tt.mutate(&tx)
			payload := paymentPayload(testNetwork, tx.build(t))
			resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			wantInvalid(t, resp, ErrInvalidInstructions)
		})
	}
}

func TestVerifyMintMismatch(t *testing.T) {
	env := newTestEnv(t)
	payload := paymentPayload(testNetwork, env.validTx().build(t))
	requirements := env.requirements()
	requirements.Asset = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

	resp, err := env.verifier.Verify(context.Background(), payload, requirements)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	wantInvalid(t, resp, ErrInvalidTransaction)
	if resp.Payer == nil || *resp.Payer != env.payer.PublicKey().String() {
		t.Errorf("Verify() payer = %v, want %s", resp.Payer, env.payer.PublicKey())
	}
}

func TestVerifyRecipientMismatch(t *testing.T) {
	env := newTestEnv(t)
	other, _, err := solana.FindAssociatedTokenAddress(solana.NewWallet().PublicKey(), testMint)
	if err != nil {
		t.Fatalf("FindAssociatedTokenAddress() error = %v", err)
	}
	tx := env.validTx()
	tx.destination = &other
	payload := paymentPayload(testNetwork, tx.build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	wantInvalid(t, resp, ErrInvalidTransaction)
}

func TestVerifyCreateATAForWrongWallet(t *testing.T) {
	env := newTestEnv(t)
	intruder := solana.NewWallet().PublicKey()

	// Transfer pays the right account but the creation instruction funds
	// someone else's.
	tx := env.validTx()
	tx.withCreateATA = true
	tx.createATAOwner = &intruder
	payload := paymentPayload(testNetwork, tx.build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	wantInvalid(t, resp, ErrInvalidTransaction)
}

func TestVerifyDecimalsMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.chain.mintDecimals = map[string]uint8{testMint.String(): 9}
	payload := paymentPayload(testNetwork, env.validTx().build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	wantInvalid(t, resp, ErrInvalidTransaction)
}

func TestVerifyAmountTooSmall(t *testing.T) {
	env := newTestEnv(t)
	tx := env.validTx()
	tx.amount = 999999
	payload := paymentPayload(testNetwork, tx.build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	wantInvalid(t, resp, ErrAmountMismatch)
	if resp.Payer == nil || *resp.Payer != env.payer.PublicKey().String() {
		t.Errorf("Verify() payer = %v, want %s", resp.Payer, env.payer.PublicKey())
	}
}

func TestVerifyFeePayerMismatch(t *testing.T) {
	env := newTestEnv(t)
	tx := env.validTx()
	tx.feePayer = solana.NewWallet().PublicKey()
	payload := paymentPayload(testNetwork, tx.build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	wantInvalid(t, resp, ErrInvalidTransaction)
}

func TestVerifyRejectsFeePayerAsSource(t *testing.T) {
	env := newTestEnv(t)
	tx := env.validTx()
	tx.owner = env.signer.key
	payload := paymentPayload(testNetwork, tx.build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	wantInvalid(t, resp, ErrInvalidTransaction)
}

func TestVerifySimulationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.chain.simResult = &SimulationResult{
		Err:  map[string]interface{}{"InstructionError": []interface{}{float64(0), "Custom"}},
		Logs: []string{"Program log: Error: insufficient funds"},
	}
	payload := paymentPayload(testNetwork, env.validTx().build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	wantInvalid(t, resp, ErrSimulationFailed)
}

func TestVerifySignsBeforeSimulating(t *testing.T) {
	env := newTestEnv(t)
	payload := paymentPayload(testNetwork, env.validTx().build(t))

	resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("Verify() invalid, reason = %v", resp.InvalidReason)
	}
	if env.chain.simTx == nil {
		t.Fatal("Simulate() never called")
	}
	if len(env.chain.simTx.Signatures) == 0 || env.chain.simTx.Signatures[0].IsZero() {
		t.Error("simulated transaction missing fee payer signature")
	}
}

func TestVerifySchemeAndNetworkGuards(t *testing.T) {
	env := newTestEnv(t)
	transaction := env.validTx().build(t)

	t.Run("wrong scheme", func(t *testing.T) {
		payload := paymentPayload(testNetwork, transaction)
		payload.Scheme = "permit"
		resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		wantInvalid(t, resp, ErrInvalidScheme)
	})

	t.Run("wrong payload network", func(t *testing.T) {
		payload := paymentPayload("solana", transaction)
		resp, err := env.verifier.Verify(context.Background(), payload, env.requirements())
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		wantInvalid(t, resp, ErrInvalidNetwork)
	})

	t.Run("wrong requirements network", func(t *testing.T) {
		payload := paymentPayload(testNetwork, transaction)
		requirements := env.requirements()
		requirements.Network = "solana"
		resp, err := env.verifier.Verify(context.Background(), payload, requirements)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		wantInvalid(t, resp, ErrInvalidNetwork)
	})
}

func TestVerifyBadRequirementsAddresses(t *testing.T) {
	env := newTestEnv(t)
	payload := paymentPayload(testNetwork, env.validTx().build(t))

	t.Run("bad asset", func(t *testing.T) {
		requirements := env.requirements()
		requirements.Asset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
		resp, err := env.verifier.Verify(context.Background(), payload, requirements)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		wantInvalid(t, resp, x402types.ErrReasonInvalidRequirements)
	})

	t.Run("bad pay to", func(t *testing.T) {
		requirements := env.requirements()
		requirements.PayTo = "not-an-address"
		resp, err := env.verifier.Verify(context.Background(), payload, requirements)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		wantInvalid(t, resp, x402types.ErrReasonInvalidRequirements)
	})
}

func TestNewVerifierRejectsNonSvmNetworks(t *testing.T) {
	chain := &mockChain{}
	signer := newTestSigner(t)
	for _, network := range []string{"base-sepolia", "polygon", "dogecoin"} {
		if _, err := NewVerifier(chain, signer, network); err == nil {
			t.Errorf("NewVerifier(%q) error = nil, want error", network)
		}
	}
}

func TestFeePayerAddress(t *testing.T) {
	env := newTestEnv(t)
	if got := env.verifier.FeePayer(); got != env.signer.PublicKey().String() {
		t.Errorf("FeePayer() = %s, want %s", got, env.signer.PublicKey())
	}
}
