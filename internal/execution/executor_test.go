package execution

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/model"
)

var program = solana.MustPublicKeyFromBase58("GM1NtvvnSXUptTrMCqbogAdZJydZSNv98DoU5AZVLmGh")

// instruction builds an instruction touching n fresh accounts.
func instruction(tag byte, n int) solana.Instruction {
	metas := make(solana.AccountMetaSlice, n)
	for i := range metas {
		var k solana.PublicKey
		k[0], k[1], k[2] = tag, byte(i), 0x55
		metas[i] = solana.Meta(k)
	}
	return solana.NewInstruction(program, metas, []byte{tag})
}

func tags(batch []solana.Instruction) []byte {
	out := make([]byte, len(batch))
	for i, ix := range batch {
		data, _ := ix.Data()
		out[i] = data[0]
	}
	return out
}

type scriptedSubmitter struct {
	batches [][]byte
	respond func(batch []solana.Instruction) (Submission, error)
}

func (s *scriptedSubmitter) Submit(_ context.Context, batch []solana.Instruction) (Submission, error) {
	s.batches = append(s.batches, tags(batch))
	if s.respond == nil {
		return Submission{Signature: solana.Signature{1}, ComputeUnits: 1000}, nil
	}
	return s.respond(batch)
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(_ context.Context, msg string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

type memoryStorage struct{ attempts []model.AttemptRecord }

func (m *memoryStorage) PutAttempts(_ context.Context, r []model.AttemptRecord) error {
	m.attempts = append(m.attempts, r...)
	return nil
}

func (m *memoryStorage) PutNav(context.Context, []model.NavRecord) error { return nil }

func newExecutor(sub Submitter, opts Options) (*Executor, *recordingNotifier, *memoryStorage) {
	n, st := &recordingNotifier{}, &memoryStorage{}
	return New(sub, opts, n, st, nil, nil), n, st
}

func TestSubmitSplitsOnAccountCeiling(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, notifier, store := newExecutor(sub, Options{})

	ixs := []solana.Instruction{instruction(1, 60), instruction(2, 60), instruction(3, 60), instruction(4, 60), instruction(5, 60)}
	ok, err := exec.Submit(context.Background(), "vault", "fulfill", ixs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, [][]byte{{1}, {2}, {3}, {4}, {5}}, sub.batches)
	assert.Empty(t, notifier.msgs)

	require.Len(t, store.attempts, 5)
	runID := store.attempts[0].RunID
	for i, a := range store.attempts {
		assert.Equal(t, runID, a.RunID)
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, model.OutcomeSuccess, a.Outcome)
		assert.Len(t, a.Accounts, 60)
	}
}

func TestSubmitPacksSmallInstructions(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, _, _ := newExecutor(sub, Options{})

	ixs := []solana.Instruction{instruction(1, 20), instruction(2, 20), instruction(3, 20), instruction(4, 20)}
	ok, err := exec.Submit(context.Background(), "vault", "fulfill", ixs)
	require.NoError(t, err)
	assert.True(t, ok)
	// overhead + program + 3*20 = 62 fits, a fourth does not
	assert.Equal(t, [][]byte{{1, 2, 3}, {4}}, sub.batches)
}

func TestSubmitShrinksOnSizeExceeded(t *testing.T) {
	for _, n := range []int{2, 5, 8, 13} {
		sub := &scriptedSubmitter{respond: func(batch []solana.Instruction) (Submission, error) {
			if len(batch) > 1 {
				return Submission{SizeExceeded: true}, nil
			}
			return Submission{Signature: solana.Signature{2}}, nil
		}}
		exec, _, store := newExecutor(sub, Options{})

		ixs := make([]solana.Instruction, n)
		for i := range ixs {
			ixs[i] = instruction(byte(i+1), 1)
		}
		ok, err := exec.Submit(context.Background(), "vault", "fulfill", ixs)
		require.NoError(t, err)
		require.True(t, ok)

		shrinks := 0
		landed := []byte{}
		for i, a := range store.attempts {
			if a.Outcome == model.OutcomeSizeExceeded {
				shrinks++
				continue
			}
			landed = append(landed, sub.batches[i]...)
		}
		assert.LessOrEqual(t, shrinks, int(math.Ceil(math.Log2(float64(n)))), "n=%d", n)
		assert.Len(t, landed, n)
		for i, tag := range landed {
			assert.Equal(t, byte(i+1), tag)
		}
	}
}

func TestSubmitSingleInstructionTooBig(t *testing.T) {
	sub := &scriptedSubmitter{respond: func([]solana.Instruction) (Submission, error) {
		return Submission{SizeExceeded: true}, nil
	}}
	exec, notifier, _ := newExecutor(sub, Options{})
	ok, err := exec.Submit(context.Background(), "vault", "fulfill", []solana.Instruction{instruction(1, 3)})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, notifier.msgs, 1)
}

func TestSubmitInstructionOverAccountLimitIsFatal(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, notifier, _ := newExecutor(sub, Options{})
	ok, err := exec.Submit(context.Background(), "vault", "fulfill", []solana.Instruction{instruction(1, 63), instruction(2, 1)})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInstructionTooLarge)
	assert.Empty(t, sub.batches)
	require.Len(t, notifier.msgs, 1)
	assert.Contains(t, notifier.msgs[0], program.String())
}

func TestSubmitStalePrice(t *testing.T) {
	code := uint32(6001)
	sub := &scriptedSubmitter{respond: func([]solana.Instruction) (Submission, error) {
		return Submission{Err: &chain.TxError{Kind: "InstructionError", InstructionIndex: 1, Custom: &code}}, nil
	}}
	exec, notifier, store := newExecutor(sub, Options{StalePriceCodes: []uint32{6001}, StaleProgram: program})

	ok, err := exec.Submit(context.Background(), "vault", "fulfill", []solana.Instruction{instruction(1, 2), instruction(2, 2)})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, notifier.msgs)
	require.Len(t, store.attempts, 1)
	assert.Equal(t, model.OutcomeStalePrice, store.attempts[0].Outcome)
}

func TestSubmitOtherFailureNotifies(t *testing.T) {
	code := uint32(42)
	sub := &scriptedSubmitter{respond: func([]solana.Instruction) (Submission, error) {
		return Submission{
			Signature: solana.Signature{3},
			Err:       &chain.TxError{Kind: "InstructionError", InstructionIndex: 0, Custom: &code},
			Logs:      []string{"Program log: insufficient funds"},
		}, nil
	}}
	exec, notifier, store := newExecutor(sub, Options{StalePriceCodes: []uint32{6001}})

	ok, err := exec.Submit(context.Background(), "vault", "fulfill", []solana.Instruction{instruction(1, 2)})
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, notifier.msgs, 1)
	assert.Contains(t, notifier.msgs[0], "insufficient funds")
	assert.Equal(t, model.OutcomeFailed, store.attempts[0].Outcome)
}

func TestSubmitTransportErrorIsReturned(t *testing.T) {
	sub := &scriptedSubmitter{respond: func([]solana.Instruction) (Submission, error) {
		return Submission{}, errors.New("connection reset")
	}}
	exec, notifier, store := newExecutor(sub, Options{})
	ok, err := exec.Submit(context.Background(), "vault", "fulfill", []solana.Instruction{instruction(1, 2)})
	assert.False(t, ok)
	require.Error(t, err)
	assert.Len(t, notifier.msgs, 1)
	assert.Equal(t, model.OutcomeError, store.attempts[0].Outcome)
}

func TestSubmitEmpty(t *testing.T) {
	sub := &scriptedSubmitter{}
	exec, _, _ := newExecutor(sub, Options{})
	ok, err := exec.Submit(context.Background(), "vault", "fulfill", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, sub.batches)
}

func TestShiftIndex(t *testing.T) {
	assert.Nil(t, shiftIndex(nil))
	assert.Equal(t, 1, shiftIndex(&chain.TxError{InstructionIndex: 3}).InstructionIndex)
	assert.Equal(t, -1, shiftIndex(&chain.TxError{InstructionIndex: 0}).InstructionIndex)
	assert.Equal(t, -1, shiftIndex(&chain.TxError{InstructionIndex: -1}).InstructionIndex)
}

func TestComputeBudgetInstructions(t *testing.T) {
	data, err := ComputeUnitLimitInstruction(200_000).Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0x40, 0x0d, 0x03, 0x00}, data)

	data, err = ComputeUnitPriceInstruction(1).Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 1, 0, 0, 0, 0, 0, 0, 0}, data)
}
