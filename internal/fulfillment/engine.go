package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultKeeper/internal/cas"
	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/execution"
	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/metrics"
	"vaultKeeper/internal/model"
	"vaultKeeper/internal/notify"
	"vaultKeeper/internal/retry"
	"vaultKeeper/internal/storage"
	"vaultKeeper/internal/valuation"
)

const navPlaces = 4

// AccountReader fetches accounts in request order, nil for missing ones.
type AccountReader interface {
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*chain.AccountInfo, error)
}

// Executor lands instruction lists.
type Executor interface {
	Submit(ctx context.Context, vault, label string, instructions []solana.Instruction) (bool, error)
}

type Config struct {
	Name string
	// Notice is the vault's redemption notice period.
	Notice          uint64
	WindowInSeconds bool
	// VaultSoftRedeem mirrors the vault's on-chain soft redemption setting.
	VaultSoftRedeem bool
	// SoftRedeem lets this service settle soft redemptions early.
	SoftRedeem bool
	// MonitorOnly evaluates and records without submitting.
	MonitorOnly bool

	ShareDecimals uint8
	BaseDecimals  uint8

	WarnFeePayerLamports uint64
	MinFeePayerLamports  uint64

	MinCheckDelay time.Duration
	MaxCheckDelay time.Duration
	// Backoff spaces failed fulfillment attempts.
	Backoff retry.Backoff
	// FetchRetries bounds retries of the bulk account read, spaced by
	// FetchBackoff. Exhausting them stops the engine.
	FetchRetries int
	FetchBackoff retry.Backoff
}

func (c Config) window() Window {
	return Window{
		Notice:    c.Notice,
		InSeconds: c.WindowInSeconds,
		Soft:      c.VaultSoftRedeem && c.SoftRedeem,
	}
}

// Engine runs the redemption loop for one vault.
type Engine struct {
	cfg       Config
	accounts  Accounts
	reader    AccountReader
	slots     SlotClock
	executor  Executor
	positions *valuation.Set
	notifier  notify.Notifier
	storage   storage.Storage
	metrics   *metrics.Metrics
	logger    *zap.Logger

	queue   cas.SlotCell[Summary]
	balance cas.SlotCell[uint64]
	wake    chan string

	feePayerLow bool
	failures    int
}

func New(
	cfg Config,
	accounts Accounts,
	reader AccountReader,
	slots SlotClock,
	executor Executor,
	positions *valuation.Set,
	notifier notify.Notifier,
	store storage.Storage,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if positions == nil {
		positions = valuation.NewSet()
	}
	if cfg.MinCheckDelay <= 0 {
		cfg.MinCheckDelay = 5 * time.Second
	}
	if cfg.MaxCheckDelay < cfg.MinCheckDelay {
		cfg.MaxCheckDelay = max(cfg.MinCheckDelay, 5*time.Minute)
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Exponential{Base: time.Second, Max: cfg.MaxCheckDelay}
	}
	if cfg.FetchBackoff == nil {
		cfg.FetchBackoff = cfg.Backoff
	}
	return &Engine{
		cfg:       cfg,
		accounts:  accounts,
		reader:    reader,
		slots:     slots,
		executor:  executor,
		positions: positions,
		notifier:  notifier,
		storage:   store,
		metrics:   m,
		logger:    logger.With(zap.String("vault", cfg.Name)),
		wake:      make(chan string, 1),
	}
}

// Summary returns the latest queue summary.
func (e *Engine) Summary() (Summary, bool) {
	obs, ok := e.queue.Load()
	return obs.Value, ok
}

// Subscribe registers push handlers for the queue and the vault's base
// asset token account.
func (e *Engine) Subscribe(sub *chain.Subscriber) {
	sub.AccountSubscribe(e.accounts.RequestQueue, e.OnAccount)
	sub.AccountSubscribe(e.accounts.VaultBaseATA, e.OnAccount)
}

type next struct {
	delay time.Duration
	// await allows a pushed update to cut the delay short.
	await bool
}

var immediately = next{}

func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("fulfillment engine started",
		zap.Stringer("request_queue", e.accounts.RequestQueue),
		zap.Uint64("notice", e.cfg.Notice),
		zap.Bool("window_in_seconds", e.cfg.WindowInSeconds),
		zap.Bool("soft_redeem", e.cfg.window().Soft),
	)
	for {
		n, err := e.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == immediately {
			continue
		}
		if n.await {
			err = e.await(ctx, n.delay)
		} else {
			err = retry.Sleep(ctx, n.delay)
		}
		if err != nil {
			return nil
		}
	}
}

func (e *Engine) fetchKeys() []solana.PublicKey {
	keys := []solana.PublicKey{
		e.accounts.FeePayer,
		e.accounts.VaultBaseATA,
		e.accounts.ShareMint,
		e.accounts.RequestQueue,
		solana.SysVarClockPubkey,
	}
	return append(keys, e.positions.AccountsNeeded()...)
}

func (e *Engine) fail() next {
	e.failures++
	e.metrics.Failure(e.cfg.Name)
	return next{delay: max(e.cfg.MinCheckDelay, e.cfg.Backoff.Delay(e.failures))}
}

// step fetches, evaluates and either executes or decides how long to wait.
// A returned error stops the engine; an unreachable ledger is one.
func (e *Engine) step(ctx context.Context) (next, error) {
	keys := e.fetchKeys()
	var fetched []*chain.AccountInfo
	if err := retry.Do(ctx, e.cfg.FetchRetries, e.cfg.FetchBackoff, func(ctx context.Context) error {
		var err error
		fetched, err = e.reader.GetMultipleAccounts(ctx, keys)
		return err
	}); err != nil {
		if ctx.Err() != nil {
			return next{}, ctx.Err()
		}
		e.metrics.Failure(e.cfg.Name)
		e.notifier.Notify(ctx, fmt.Sprintf("%s fulfillment stopped, cannot read vault accounts after %d retries: %v",
			e.cfg.Name, e.cfg.FetchRetries, err))
		return next{}, fmt.Errorf("vault %s: fetch accounts: %w", e.cfg.Name, err)
	}
	accounts := make(map[solana.PublicKey]*chain.AccountInfo, len(keys))
	for i, k := range keys {
		if i < len(fetched) && fetched[i] != nil {
			accounts[k] = fetched[i]
		}
	}

	if !e.checkFeePayer(ctx, accounts[e.accounts.FeePayer]) {
		return next{delay: e.cfg.MaxCheckDelay}, nil
	}

	clockInfo := accounts[solana.SysVarClockPubkey]
	if clockInfo == nil {
		e.logger.Warn("clock sysvar missing")
		return e.fail(), nil
	}
	clock, err := layout.DecodeClock(clockInfo.Data)
	if err != nil {
		e.logger.Error("decode clock", zap.Error(err))
		return e.fail(), nil
	}

	var queue layout.RequestQueue
	queueSlot := clockInfo.Slot
	if info := accounts[e.accounts.RequestQueue]; info != nil {
		if queue, err = layout.DecodeRequestQueue(info.Data); err != nil {
			e.logger.Error("decode request queue", zap.Error(err))
			return e.fail(), nil
		}
		queueSlot = info.Slot
	}
	summary := Summarize(queue, clock.UnixTimestamp, clock.Slot, e.cfg.window(), e.cfg.ShareDecimals)
	e.queue.CompareAndSet(queueSlot, summary)
	e.metrics.Redemptions(e.cfg.Name, summary.OutstandingShares.InexactFloat64(), summary.FulfillableShares.InexactFloat64())

	tokenInfo := accounts[e.accounts.VaultBaseATA]
	if tokenInfo == nil {
		e.logger.Info("vault base asset token account does not exist yet", zap.Stringer("account", e.accounts.VaultBaseATA))
		return next{delay: e.cfg.MaxCheckDelay, await: true}, nil
	}
	token, err := layout.DecodeTokenAccount(tokenInfo.Data)
	if err != nil {
		e.logger.Error("decode vault token account", zap.Error(err))
		return e.fail(), nil
	}
	e.balance.CompareAndSet(tokenInfo.Slot, token.Amount)

	if summary.Fulfillable > 0 || summary.SoftFulfillable > 0 {
		return e.execute(ctx, summary, accounts)
	}

	e.recordNav(ctx, summary, accounts[e.accounts.ShareMint], token.Amount)
	e.failures = 0
	return next{delay: e.untilFulfillable(ctx, summary), await: true}, nil
}

func (e *Engine) execute(ctx context.Context, summary Summary, accounts map[solana.PublicKey]*chain.AccountInfo) (next, error) {
	logger := e.logger.With(
		zap.Int("fulfillable", summary.Fulfillable),
		zap.String("fulfillable_shares", summary.FulfillableShares.String()),
		zap.String("outstanding_shares", summary.OutstandingShares.String()),
	)
	if e.cfg.MonitorOnly {
		logger.Info("redemptions ready, monitor only")
		return next{delay: e.cfg.MaxCheckDelay, await: true}, nil
	}

	var pricing []solana.Instruction
	if e.positions.Len() > 0 {
		var err error
		if pricing, _, err = e.positions.BuildPricing(ctx, accounts); err != nil {
			logger.Error("build pricing instructions", zap.Error(err))
			return e.fail(), nil
		}
	}
	var limit uint32
	if e.cfg.VaultSoftRedeem && !e.cfg.SoftRedeem {
		// settle only requests past notice
		limit = uint32(summary.Fulfillable)
	}

	logger.Info("fulfilling redemptions", zap.Uint32("limit", limit))
	ok, err := e.executor.Submit(ctx, e.cfg.Name, "fulfill", FulfillInstructions(e.accounts, pricing, limit))
	if errors.Is(err, execution.ErrInstructionTooLarge) {
		return next{}, fmt.Errorf("vault %s: %w", e.cfg.Name, err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return next{}, ctx.Err()
		}
		logger.Warn("fulfill submission", zap.Error(err))
	}
	if !ok {
		return e.fail(), nil
	}
	e.failures = 0
	return immediately, nil
}

// checkFeePayer reports whether the fee payer can pay for transactions.
// Operators are notified once per low balance episode.
func (e *Engine) checkFeePayer(ctx context.Context, info *chain.AccountInfo) bool {
	var lamports uint64
	if info != nil {
		lamports = info.Lamports
	}
	e.metrics.FeePayer(e.cfg.Name, lamports)

	switch {
	case lamports < e.cfg.MinFeePayerLamports:
		msg := fmt.Sprintf("%s fee payer %s balance %d lamports is below the minimum %d, fulfillment paused",
			e.cfg.Name, e.accounts.FeePayer, lamports, e.cfg.MinFeePayerLamports)
		e.logger.Error("fee payer balance below minimum", zap.Uint64("lamports", lamports))
		if !e.feePayerLow {
			e.feePayerLow = true
			e.notifier.Notify(ctx, msg)
		}
		return false
	case lamports < e.cfg.WarnFeePayerLamports:
		e.logger.Warn("fee payer balance low", zap.Uint64("lamports", lamports))
		if !e.feePayerLow {
			e.feePayerLow = true
			e.notifier.Notify(ctx, fmt.Sprintf("%s fee payer %s balance %d lamports is below %d",
				e.cfg.Name, e.accounts.FeePayer, lamports, e.cfg.WarnFeePayerLamports))
		}
	default:
		e.feePayerLow = false
	}
	return true
}

func (e *Engine) recordNav(ctx context.Context, summary Summary, mintInfo *chain.AccountInfo, holdingsRaw uint64) {
	if mintInfo == nil {
		e.logger.Warn("share mint missing")
		return
	}
	mint, err := layout.DecodeMint(mintInfo.Data)
	if err != nil {
		e.logger.Error("decode share mint", zap.Error(err))
		return
	}
	supply := scaled(mint.Supply, e.cfg.ShareDecimals)
	holdings := scaled(holdingsRaw, e.cfg.BaseDecimals)
	nav, ok := Nav(holdings, supply)

	rec := model.NavRecord{
		Vault:             e.cfg.Name,
		Slot:              summary.Slot,
		EpochSeconds:      summary.EpochSeconds,
		Supply:            supply.String(),
		Holdings:          holdings.String(),
		OutstandingShares: summary.OutstandingShares.String(),
		FulfillableShares: summary.FulfillableShares.String(),
		PendingRequests:   len(summary.Requests),
		At:                time.Now().UTC().Format(time.RFC3339Nano),
	}
	if ok {
		rec.Nav = nav.StringFixedBank(navPlaces)
		e.metrics.SetNav(e.cfg.Name, nav.InexactFloat64())
	}
	e.logger.Info("vault state",
		zap.String("supply", rec.Supply),
		zap.String("holdings", rec.Holdings),
		zap.String("nav", rec.Nav),
		zap.Int("pending_requests", rec.PendingRequests),
		zap.String("outstanding_shares", rec.OutstandingShares),
	)
	if e.storage == nil {
		return
	}
	if err := e.storage.PutNav(ctx, []model.NavRecord{rec}); err != nil {
		e.logger.Warn("store nav", zap.Error(err))
	}
}

// Nav is holdings per share rounded half to even. It is undefined for a
// zero supply.
func Nav(holdings, supply decimal.Decimal) (decimal.Decimal, bool) {
	if supply.IsZero() {
		return decimal.Zero, false
	}
	return holdings.DivRound(supply, navPlaces+8).RoundBank(navPlaces), true
}

func scaled(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

// untilFulfillable is the wait before the next request passes its notice.
func (e *Engine) untilFulfillable(ctx context.Context, summary Summary) time.Duration {
	msPerSlot := defaultMillisPerSlot
	if !e.cfg.WindowInSeconds && e.slots != nil && summary.HasOutstanding() {
		if ms, err := e.slots.MillisPerSlot(ctx); err != nil {
			e.logger.Warn("slot duration", zap.Error(err))
		} else {
			msPerSlot = ms
		}
	}
	d, ok := summary.NextFulfillable(e.cfg.window(), msPerSlot)
	if !ok {
		return e.cfg.MaxCheckDelay
	}
	return d
}

func clampDelay(d, lo, hi time.Duration) time.Duration {
	return min(max(d, lo), hi)
}

// await sleeps for d clamped to the check delay bounds or until a pushed
// update wakes the engine, never returning before the minimum delay.
func (e *Engine) await(ctx context.Context, d time.Duration) error {
	d = clampDelay(d, e.cfg.MinCheckDelay, e.cfg.MaxCheckDelay)
	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case reason := <-e.wake:
		e.metrics.Wakeup(e.cfg.Name, reason)
		e.logger.Debug("woken", zap.String("reason", reason))
		return retry.Sleep(ctx, e.cfg.MinCheckDelay-time.Since(start))
	}
}

func (e *Engine) signal(reason string) {
	select {
	case e.wake <- reason:
	default:
	}
}

// OnAccount handles pushed updates for the request queue and the vault's
// base asset token account.
func (e *Engine) OnAccount(info chain.AccountInfo) {
	switch info.Key {
	case e.accounts.RequestQueue:
		e.onQueue(info)
	case e.accounts.VaultBaseATA:
		e.onToken(info)
	}
}

func (e *Engine) onQueue(info chain.AccountInfo) {
	if !info.Owner.Equals(e.accounts.MintProgram) || !layout.HasDiscriminator(info.Data, layout.RequestQueueDiscriminator) {
		e.logger.Warn("unexpected request queue update", zap.Stringer("owner", info.Owner), zap.Uint64("slot", info.Slot))
		return
	}
	queue, err := layout.DecodeRequestQueue(info.Data)
	if err != nil {
		e.logger.Error("decode pushed request queue", zap.Uint64("slot", info.Slot), zap.Error(err))
		return
	}
	summary := Summarize(queue, time.Now().Unix(), info.Slot, e.cfg.window(), e.cfg.ShareDecimals)
	prev, hadPrev, accepted := e.queue.CompareAndSet(info.Slot, summary)
	if !accepted {
		return
	}
	before := decimal.Zero
	if hadPrev {
		before = prev.Value.OutstandingShares
	}
	if !summary.OutstandingShares.Equal(before) {
		e.signal("queue")
	}
}

func (e *Engine) onToken(info chain.AccountInfo) {
	if !info.Owner.Equals(e.accounts.BaseTokenProgram) || len(info.Data) < layout.TokenAccountSize {
		e.logger.Warn("unexpected token account update", zap.Stringer("owner", info.Owner), zap.Int("size", len(info.Data)))
		return
	}
	token, err := layout.DecodeTokenAccount(info.Data)
	if err != nil || !token.Mint.Equals(e.accounts.BaseMint) {
		e.logger.Warn("token account update for another mint", zap.Stringer("mint", token.Mint), zap.Error(err))
		return
	}
	prev, _, accepted := e.balance.CompareAndSet(info.Slot, token.Amount)
	if !accepted || token.Amount <= prev.Value {
		return
	}
	if summary, ok := e.Summary(); ok && summary.HasOutstanding() {
		e.signal("deposit")
	}
}
