package execution

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultKeeper/internal/chain"
)

type fakeLedger struct {
	mu        sync.Mutex
	simUnits  uint64
	simErr    *chain.TxError
	sendErr   error
	status    *chain.SignatureStatus
	fee       uint64
	simulated [][]byte
	sent      [][]byte
}

func (l *fakeLedger) GetLatestBlockhash(context.Context) (chain.LatestBlockhash, error) {
	return chain.LatestBlockhash{Blockhash: solana.Hash{7}, Slot: 10}, nil
}

func (l *fakeLedger) SimulateTransaction(_ context.Context, tx []byte, _ []solana.PublicKey) (chain.SimulationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.simulated = append(l.simulated, tx)
	return chain.SimulationResult{Slot: 11, UnitsConsumed: l.simUnits, Err: l.simErr, Logs: []string{"Program log: ok"}}, nil
}

func (l *fakeLedger) SendTransaction(_ context.Context, tx []byte) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, tx)
	if l.sendErr != nil {
		return solana.Signature{}, l.sendErr
	}
	return solana.Signature{9}, nil
}

func (l *fakeLedger) GetSignatureStatuses(context.Context, []solana.Signature) ([]*chain.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return []*chain.SignatureStatus{l.status}, nil
}

func (l *fakeLedger) GetFeeForMessage(context.Context, []byte) (uint64, error) {
	return l.fee, nil
}

func newSubmitter(l *fakeLedger, cfg LedgerConfig) *LedgerSubmitter {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	return NewLedgerSubmitter(l, solana.NewWallet().PrivateKey, cfg, nil)
}

// unitLimit decodes the compute unit limit a serialized transaction sets.
func unitLimit(t *testing.T, raw []byte) uint32 {
	t.Helper()
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(tx.Message.Instructions), computeBudgetPrefix)
	data := tx.Message.Instructions[0].Data
	require.Len(t, data, 5)
	require.Equal(t, byte(setComputeUnitLimit), data[0])
	return binary.LittleEndian.Uint32(data[1:])
}

func customErr(index int, code uint32) *chain.TxError {
	return &chain.TxError{Kind: "InstructionError", InstructionIndex: index, Custom: &code, Detail: "Custom"}
}

func TestLedgerSubmitScalesComputeLimit(t *testing.T) {
	l := &fakeLedger{simUnits: 100_000, fee: 5000, status: &chain.SignatureStatus{Slot: 77, ConfirmationStatus: "confirmed"}}
	s := newSubmitter(l, LedgerConfig{CUBudgetMultiplier: 1.5})

	sub, err := s.Submit(context.Background(), []solana.Instruction{instruction(1, 3)})
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{9}, sub.Signature)
	assert.Equal(t, uint64(77), sub.Slot)
	assert.Equal(t, uint64(100_000), sub.ComputeUnits)
	assert.Equal(t, uint64(5000), sub.FeeLamports)
	assert.Nil(t, sub.Err)
	assert.False(t, sub.SizeExceeded)

	require.Len(t, l.simulated, 1)
	require.Len(t, l.sent, 1)
	assert.Equal(t, uint32(maxComputeUnits), unitLimit(t, l.simulated[0]))
	assert.Equal(t, uint32(150_000), unitLimit(t, l.sent[0]))

	// the limit never exceeds the ledger maximum
	l = &fakeLedger{simUnits: 1_300_000, status: &chain.SignatureStatus{Slot: 78, ConfirmationStatus: "finalized"}}
	s = newSubmitter(l, LedgerConfig{CUBudgetMultiplier: 1.2})
	_, err = s.Submit(context.Background(), []solana.Instruction{instruction(1, 3)})
	require.NoError(t, err)
	assert.Equal(t, uint32(maxComputeUnits), unitLimit(t, l.sent[0]))
}

func TestLedgerSubmitOversizedPacket(t *testing.T) {
	l := &fakeLedger{}
	s := newSubmitter(l, LedgerConfig{})

	big := solana.NewInstruction(program, solana.AccountMetaSlice{}, make([]byte, chain.MaxTransactionSize))
	sub, err := s.Submit(context.Background(), []solana.Instruction{big})
	require.NoError(t, err)
	assert.True(t, sub.SizeExceeded)
	assert.Empty(t, l.simulated)
	assert.Empty(t, l.sent)
}

func TestLedgerSubmitSendTooLarge(t *testing.T) {
	l := &fakeLedger{simUnits: 1000, sendErr: fmt.Errorf("sendTransaction: %w: base64 encoded too large", chain.ErrTransactionTooLarge)}
	s := newSubmitter(l, LedgerConfig{})

	sub, err := s.Submit(context.Background(), []solana.Instruction{instruction(1, 3)})
	require.NoError(t, err)
	assert.True(t, sub.SizeExceeded)
	assert.Len(t, l.sent, 1)
}

func TestLedgerSubmitMapsErrorIndexToBatch(t *testing.T) {
	// preflight rejected the third caller instruction
	l := &fakeLedger{simUnits: 1000, sendErr: &chain.PreflightError{
		Code: -32002,
		Simulation: chain.SimulationResult{
			UnitsConsumed: 4000,
			Err:           customErr(computeBudgetPrefix+2, 6001),
			Logs:          []string{"Program log: stale"},
		},
	}}
	s := newSubmitter(l, LedgerConfig{})
	sub, err := s.Submit(context.Background(), []solana.Instruction{instruction(1, 1), instruction(2, 1), instruction(3, 1)})
	require.NoError(t, err)
	require.NotNil(t, sub.Err)
	assert.Equal(t, 2, sub.Err.InstructionIndex)
	assert.Equal(t, uint32(6001), *sub.Err.Custom)
	assert.Equal(t, uint64(4000), sub.ComputeUnits)
	assert.Equal(t, []string{"Program log: stale"}, sub.Logs)

	// simulation failure short-circuits before sending
	l = &fakeLedger{simUnits: 2000, simErr: customErr(computeBudgetPrefix, 1)}
	s = newSubmitter(l, LedgerConfig{})
	sub, err = s.Submit(context.Background(), []solana.Instruction{instruction(1, 1)})
	require.NoError(t, err)
	require.NotNil(t, sub.Err)
	assert.Equal(t, 0, sub.Err.InstructionIndex)
	assert.Equal(t, uint64(11), sub.Slot)
	assert.Empty(t, l.sent)

	// a failing compute budget instruction belongs to no caller instruction
	l = &fakeLedger{simUnits: 2000, simErr: customErr(1, 1)}
	s = newSubmitter(l, LedgerConfig{})
	sub, err = s.Submit(context.Background(), []solana.Instruction{instruction(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, -1, sub.Err.InstructionIndex)
}

func TestLedgerSubmitConfirmedWithError(t *testing.T) {
	l := &fakeLedger{simUnits: 1000, status: &chain.SignatureStatus{Slot: 80, Err: customErr(computeBudgetPrefix+1, 3)}}
	s := newSubmitter(l, LedgerConfig{})

	sub, err := s.Submit(context.Background(), []solana.Instruction{instruction(1, 1), instruction(2, 1)})
	require.NoError(t, err)
	require.NotNil(t, sub.Err)
	assert.Equal(t, 1, sub.Err.InstructionIndex)
	assert.Equal(t, uint64(80), sub.Slot)
}

func TestLedgerSubmitConfirmTimeout(t *testing.T) {
	l := &fakeLedger{simUnits: 1000, status: &chain.SignatureStatus{Slot: 81, ConfirmationStatus: "processed"}}
	s := newSubmitter(l, LedgerConfig{ConfirmTimeout: 20 * time.Millisecond})

	sub, err := s.Submit(context.Background(), []solana.Instruction{instruction(1, 1)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "not confirmed")
	assert.Equal(t, solana.Signature{9}, sub.Signature)
	assert.Nil(t, sub.Err)
}
