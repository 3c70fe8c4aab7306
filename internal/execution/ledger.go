package execution

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/retry"
)

const (
	maxComputeUnits       = 1_400_000
	computeBudgetPrefix   = 2
	setComputeUnitLimit   = 2
	setComputeUnitPrice   = 3
	defaultConfirmTimeout = 90 * time.Second
)

// Ledger is the subset of the RPC client used to land transactions.
type Ledger interface {
	GetLatestBlockhash(ctx context.Context) (chain.LatestBlockhash, error)
	SimulateTransaction(ctx context.Context, tx []byte, returnAccounts []solana.PublicKey) (chain.SimulationResult, error)
	SendTransaction(ctx context.Context, tx []byte) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]*chain.SignatureStatus, error)
	GetFeeForMessage(ctx context.Context, message []byte) (uint64, error)
}

type LedgerConfig struct {
	// CUPriceMicroLamports is the priority fee per compute unit.
	CUPriceMicroLamports uint64
	// CUBudgetMultiplier scales simulated compute units into the limit.
	CUBudgetMultiplier float64
	MaxRetries         int
	Backoff            retry.Backoff
	ConfirmTimeout     time.Duration
	PollInterval       time.Duration
}

// LedgerSubmitter simulates, signs, sends and confirms transactions paid by
// a single fee payer.
type LedgerSubmitter struct {
	ledger Ledger
	signer solana.PrivateKey
	cfg    LedgerConfig
	logger *zap.Logger
}

func NewLedgerSubmitter(ledger Ledger, signer solana.PrivateKey, cfg LedgerConfig, logger *zap.Logger) *LedgerSubmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CUBudgetMultiplier <= 0 {
		cfg.CUBudgetMultiplier = 1.1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Exponential{Base: time.Second, Max: 30 * time.Second}
	}
	return &LedgerSubmitter{ledger: ledger, signer: signer, cfg: cfg, logger: logger}
}

// FeePayer is the account paying for submitted transactions.
func (s *LedgerSubmitter) FeePayer() solana.PublicKey {
	return s.signer.PublicKey()
}

// ComputeUnitLimitInstruction sets the transaction's compute unit limit.
func ComputeUnitLimitInstruction(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = setComputeUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return solana.NewInstruction(solana.ComputeBudget, solana.AccountMetaSlice{}, data)
}

// ComputeUnitPriceInstruction sets the priority fee per compute unit.
func ComputeUnitPriceInstruction(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = setComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return solana.NewInstruction(solana.ComputeBudget, solana.AccountMetaSlice{}, data)
}

type builtTx struct {
	tx      *solana.Transaction
	raw     []byte
	message []byte
}

func (s *LedgerSubmitter) build(blockhash solana.Hash, units uint32, instructions []solana.Instruction) (builtTx, error) {
	all := make([]solana.Instruction, 0, len(instructions)+computeBudgetPrefix)
	all = append(all, ComputeUnitLimitInstruction(units), ComputeUnitPriceInstruction(s.cfg.CUPriceMicroLamports))
	all = append(all, instructions...)

	tx, err := solana.NewTransaction(all, blockhash, solana.TransactionPayer(s.FeePayer()))
	if err != nil {
		return builtTx{}, fmt.Errorf("new transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.FeePayer()) {
			return &s.signer
		}
		return nil
	}); err != nil {
		return builtTx{}, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return builtTx{}, fmt.Errorf("marshal transaction: %w", err)
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return builtTx{}, fmt.Errorf("marshal message: %w", err)
	}
	return builtTx{tx: tx, raw: raw, message: message}, nil
}

// BuildTransaction signs instructions with the maximum compute budget for
// simulation.
func (s *LedgerSubmitter) BuildTransaction(ctx context.Context, instructions []solana.Instruction) ([]byte, error) {
	bh, err := s.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	built, err := s.build(bh.Blockhash, maxComputeUnits, instructions)
	if err != nil {
		return nil, err
	}
	return built.raw, nil
}

func (s *LedgerSubmitter) Submit(ctx context.Context, instructions []solana.Instruction) (Submission, error) {
	var bh chain.LatestBlockhash
	if err := retry.Do(ctx, s.cfg.MaxRetries, s.cfg.Backoff, func(ctx context.Context) error {
		var err error
		bh, err = s.ledger.GetLatestBlockhash(ctx)
		return err
	}); err != nil {
		return Submission{}, err
	}

	sizing, err := s.build(bh.Blockhash, maxComputeUnits, instructions)
	if err != nil {
		return Submission{}, err
	}
	if len(sizing.raw) > chain.MaxTransactionSize {
		return Submission{SizeExceeded: true}, nil
	}

	var sim chain.SimulationResult
	if err := retry.Do(ctx, s.cfg.MaxRetries, s.cfg.Backoff, func(ctx context.Context) error {
		var err error
		sim, err = s.ledger.SimulateTransaction(ctx, sizing.raw, nil)
		return err
	}); err != nil {
		return Submission{}, err
	}
	if sim.Err != nil {
		return Submission{Slot: sim.Slot, ComputeUnits: sim.UnitsConsumed, Err: shiftIndex(sim.Err), Logs: sim.Logs}, nil
	}

	units := uint32(min(math.Ceil(float64(sim.UnitsConsumed)*s.cfg.CUBudgetMultiplier), maxComputeUnits))
	final, err := s.build(bh.Blockhash, units, instructions)
	if err != nil {
		return Submission{}, err
	}
	fee, err := s.ledger.GetFeeForMessage(ctx, final.message)
	if err != nil {
		s.logger.Warn("fee estimate", zap.Error(err))
	}

	sig, err := s.ledger.SendTransaction(ctx, final.raw)
	if err != nil {
		var pre *chain.PreflightError
		switch {
		case errors.Is(err, chain.ErrTransactionTooLarge):
			return Submission{SizeExceeded: true}, nil
		case errors.As(err, &pre) && pre.Simulation.Err != nil:
			return Submission{ComputeUnits: pre.Simulation.UnitsConsumed, Err: shiftIndex(pre.Simulation.Err), Logs: pre.Simulation.Logs}, nil
		}
		return Submission{}, err
	}

	status, err := s.confirm(ctx, sig)
	if err != nil {
		return Submission{Signature: sig}, err
	}
	return Submission{
		Signature:    sig,
		Slot:         status.Slot,
		ComputeUnits: sim.UnitsConsumed,
		FeeLamports:  fee,
		Err:          shiftIndex(status.Err),
		Logs:         sim.Logs,
	}, nil
}

func (s *LedgerSubmitter) confirm(ctx context.Context, sig solana.Signature) (*chain.SignatureStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		statuses, err := s.ledger.GetSignatureStatuses(ctx, []solana.Signature{sig})
		if err != nil {
			s.logger.Warn("signature status", zap.Stringer("signature", sig), zap.Error(err))
		} else if len(statuses) == 1 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil || st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s not confirmed: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

// shiftIndex maps an instruction index back to the caller's batch by
// removing the compute budget prefix.
func shiftIndex(e *chain.TxError) *chain.TxError {
	if e == nil || e.InstructionIndex < 0 {
		return e
	}
	out := *e
	out.InstructionIndex -= computeBudgetPrefix
	if out.InstructionIndex < 0 {
		out.InstructionIndex = -1
	}
	return &out
}
