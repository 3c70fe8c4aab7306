// Package execution submits instruction lists as one or more transactions
// within the ledger's account and size limits.
package execution

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/metrics"
	"vaultKeeper/internal/model"
	"vaultKeeper/internal/notify"
	"vaultKeeper/internal/storage"
)

// DefaultMaxAccounts is the distinct account ceiling per transaction.
const DefaultMaxAccounts = 64

// ErrInstructionTooLarge means a single instruction touches more accounts
// than a transaction may hold. Retrying cannot help.
var ErrInstructionTooLarge = errors.New("instruction exceeds account limit")

// Submission is the outcome of one transaction.
type Submission struct {
	Signature    solana.Signature
	Slot         uint64
	ComputeUnits uint64
	FeeLamports  uint64
	// SizeExceeded is set when the serialized transaction did not fit.
	SizeExceeded bool
	Err          *chain.TxError
	Logs         []string
}

// Submitter turns a batch of instructions into one landed transaction.
// A returned error means the outcome is unknown.
type Submitter interface {
	Submit(ctx context.Context, instructions []solana.Instruction) (Submission, error)
}

type Options struct {
	MaxAccountsPerTx int
	// OverheadAccounts are counted against the ceiling for every batch, for
	// example the compute budget program and lookup tables.
	OverheadAccounts []solana.PublicKey
	// StalePriceCodes are custom program errors reporting a stale oracle.
	StalePriceCodes []uint32
	// StaleProgram limits stale price matching to instructions of one program
	// when set.
	StaleProgram solana.PublicKey
}

type Executor struct {
	submitter Submitter
	opts      Options
	notifier  notify.Notifier
	storage   storage.Storage
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func New(
	submitter Submitter,
	opts Options,
	notifier notify.Notifier,
	store storage.Storage,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.MaxAccountsPerTx <= 0 {
		opts.MaxAccountsPerTx = DefaultMaxAccounts
	}
	if opts.OverheadAccounts == nil {
		opts.OverheadAccounts = []solana.PublicKey{solana.ComputeBudget}
	}
	return &Executor{
		submitter: submitter,
		opts:      opts,
		notifier:  notifier,
		storage:   store,
		metrics:   m,
		logger:    logger,
	}
}

// Submit lands every instruction in order. It returns true once all
// instructions were accepted and false when the caller should retry later.
// An error is returned for ErrInstructionTooLarge and for submissions whose
// outcome is unknown.
func (e *Executor) Submit(ctx context.Context, vault, label string, instructions []solana.Instruction) (bool, error) {
	remaining := slices.Clone(instructions)
	if len(remaining) == 0 {
		return true, nil
	}

	runID := uuid.NewString()
	logger := e.logger.With(zap.String("vault", vault), zap.String("label", label), zap.String("run_id", runID))
	batchSize := len(remaining)
	attempt := 0

	for {
		n, err := e.fit(remaining[:min(batchSize, len(remaining))])
		if err != nil {
			msg := fmt.Sprintf("%s: %v\n%s", label, err, FormatInstructions(remaining[:1]))
			logger.Error("instruction exceeds account limit", zap.Error(err))
			e.notifier.Notify(ctx, msg)
			return false, err
		}
		batch := remaining[:n]
		attempt++

		start := time.Now()
		sub, err := e.submitter.Submit(ctx, batch)
		e.metrics.SubmitDuration(vault, time.Since(start))
		record := e.record(runID, attempt, vault, label, batch, sub)

		if err != nil {
			record.Outcome, record.Error = model.OutcomeError, err.Error()
			e.journal(ctx, logger, record)
			e.metrics.Attempt(vault, record.Outcome, 0)
			logger.Error("submit failed", zap.Int("instructions", len(batch)), zap.Error(err))
			e.notifier.Notify(ctx, fmt.Sprintf("%s failed to submit: %v\n%s", label, err, FormatInstructions(batch)))
			return false, fmt.Errorf("submit %s: %w", label, err)
		}

		switch {
		case sub.SizeExceeded:
			record.Outcome = model.OutcomeSizeExceeded
			e.journal(ctx, logger, record)
			e.metrics.Attempt(vault, record.Outcome, 0)
			if len(batch) == 1 {
				logger.Error("single instruction exceeds transaction size")
				e.notifier.Notify(ctx, fmt.Sprintf("%s failed: transaction too large\n%s", label, FormatInstructions(batch)))
				return false, nil
			}
			batchSize = (len(batch) + 1) / 2
			e.metrics.Shrink(vault)
			logger.Warn("transaction too large, shrinking batch", zap.Int("from", len(batch)), zap.Int("to", batchSize))
			continue

		case sub.Err != nil:
			record.Error = sub.Err.Error()
			if e.stalePrice(batch, sub.Err) {
				record.Outcome = model.OutcomeStalePrice
				e.journal(ctx, logger, record)
				e.metrics.Attempt(vault, record.Outcome, sub.ComputeUnits)
				logger.Warn("oracle price stale", zap.Stringer("signature", sub.Signature), zap.Error(sub.Err))
				return false, nil
			}
			record.Outcome = model.OutcomeFailed
			e.journal(ctx, logger, record)
			e.metrics.Attempt(vault, record.Outcome, sub.ComputeUnits)
			logger.Error("transaction failed", zap.Stringer("signature", sub.Signature), zap.Error(sub.Err))
			e.notifier.Notify(ctx, fmt.Sprintf("%s failed\n%s", label, FormatSubmission(sub, batch)))
			return false, nil
		}

		record.Outcome = model.OutcomeSuccess
		e.journal(ctx, logger, record)
		e.metrics.Attempt(vault, record.Outcome, sub.ComputeUnits)
		logger.Info("transaction landed",
			zap.Stringer("signature", sub.Signature),
			zap.Uint64("slot", sub.Slot),
			zap.Int("instructions", len(batch)),
			zap.Uint64("compute_units", sub.ComputeUnits),
			zap.Uint64("fee_lamports", sub.FeeLamports),
		)

		remaining = remaining[len(batch):]
		if len(remaining) == 0 {
			return true, nil
		}
	}
}

// fit returns how many leading instructions fit under the account ceiling.
func (e *Executor) fit(instructions []solana.Instruction) (int, error) {
	seen := make(map[solana.PublicKey]struct{}, e.opts.MaxAccountsPerTx)
	for _, k := range e.opts.OverheadAccounts {
		seen[k] = struct{}{}
	}
	for i, ix := range instructions {
		seen[ix.ProgramID()] = struct{}{}
		for _, k := range accountKeys(ix) {
			seen[k] = struct{}{}
		}
		if len(seen) > e.opts.MaxAccountsPerTx {
			if i == 0 {
				return 0, fmt.Errorf("%w: %d accounts, limit %d", ErrInstructionTooLarge, len(seen), e.opts.MaxAccountsPerTx)
			}
			return i, nil
		}
	}
	return len(instructions), nil
}

func (e *Executor) stalePrice(batch []solana.Instruction, txErr *chain.TxError) bool {
	if txErr.Custom == nil || !slices.Contains(e.opts.StalePriceCodes, *txErr.Custom) {
		return false
	}
	if e.opts.StaleProgram.IsZero() {
		return true
	}
	i := txErr.InstructionIndex
	return i >= 0 && i < len(batch) && batch[i].ProgramID().Equals(e.opts.StaleProgram)
}

func (e *Executor) record(runID string, attempt int, vault, label string, batch []solana.Instruction, sub Submission) model.AttemptRecord {
	seen := make(map[solana.PublicKey]struct{})
	var accounts []string
	for _, ix := range batch {
		for _, k := range accountKeys(ix) {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			accounts = append(accounts, k.String())
		}
	}
	r := model.AttemptRecord{
		RunID:        runID,
		Attempt:      attempt,
		Vault:        vault,
		Label:        label,
		Slot:         sub.Slot,
		Instructions: len(batch),
		Accounts:     accounts,
		ComputeUnits: sub.ComputeUnits,
		FeeLamports:  sub.FeeLamports,
		Logs:         sub.Logs,
		At:           time.Now().UTC().Format(time.RFC3339Nano),
	}
	if !sub.Signature.IsZero() {
		r.Signature = sub.Signature.String()
	}
	return r
}

func (e *Executor) journal(ctx context.Context, logger *zap.Logger, record model.AttemptRecord) {
	if e.storage == nil {
		return
	}
	if err := e.storage.PutAttempts(ctx, []model.AttemptRecord{record}); err != nil {
		logger.Warn("journal attempt", zap.Error(err))
	}
}

func accountKeys(ix solana.Instruction) []solana.PublicKey {
	metas := ix.Accounts()
	keys := make([]solana.PublicKey, len(metas))
	for i, m := range metas {
		keys[i] = m.PublicKey
	}
	return keys
}

// FormatInstructions renders instructions for operator notifications.
func FormatInstructions(instructions []solana.Instruction) string {
	var b strings.Builder
	for i, ix := range instructions {
		data, _ := ix.Data()
		fmt.Fprintf(&b, "[%d] program=%s data=%s accounts=%d\n", i, ix.ProgramID(), base64.StdEncoding.EncodeToString(data), len(ix.Accounts()))
		for _, m := range ix.Accounts() {
			fmt.Fprintf(&b, "    %s signer=%t writable=%t\n", m.PublicKey, m.IsSigner, m.IsWritable)
		}
	}
	return b.String()
}

// FormatSubmission renders a failed transaction with its logs.
func FormatSubmission(sub Submission, instructions []solana.Instruction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "signature=%s slot=%d compute_units=%d\n", sub.Signature, sub.Slot, sub.ComputeUnits)
	if sub.Err != nil {
		fmt.Fprintf(&b, "error=%s\n", sub.Err)
	}
	for _, l := range sub.Logs {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString(FormatInstructions(instructions))
	return b.String()
}
