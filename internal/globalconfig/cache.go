// Package globalconfig keeps the validated protocol configuration in memory,
// reconciling every new on-chain generation against the previous one.
package globalconfig

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/fetch"
	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/metrics"
	"vaultKeeper/internal/mints"
	"vaultKeeper/internal/notify"
	"vaultKeeper/internal/snapshot"
)

const cacheName = "global_config"

// ErrPoisoned is returned by Run once the cache refused an update.
var ErrPoisoned = errors.New("global config cache poisoned")

// Snapshot is one validated config generation.
type Snapshot struct {
	Slot   uint64
	Config layout.GlobalConfig
	Data   []byte
}

// AccountQueue schedules background account reads.
type AccountQueue interface {
	Queue(keys []solana.PublicKey, callback fetch.Callback)
	PriorityQueue(keys []solana.PublicKey, callback fetch.Callback)
}

// Options identify the config account and its refresh cadence.
type Options struct {
	Program      solana.PublicKey
	Account      solana.PublicKey
	PollInterval time.Duration
}

// Cache holds the current config snapshot and its priority index. Both are
// published together under the write lock. Once poisoned the cache serves
// no data and its refresh loop stops.
type Cache struct {
	opts     Options
	mints    *mints.Cache
	store    snapshot.Store
	queue    AccountQueue
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.RWMutex
	current  *Snapshot
	index    Index
	poisoned bool

	done       chan struct{}
	poisonOnce sync.Once
}

func New(
	opts Options,
	mintCache *mints.Cache,
	store snapshot.Store,
	queue AccountQueue,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if mintCache == nil {
		mintCache = mints.NewCache()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Minute
	}
	return &Cache{
		opts:     opts,
		mints:    mintCache,
		store:    store,
		queue:    queue,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With(zap.String("cache", cacheName), zap.Stringer("account", opts.Account)),
		done:     make(chan struct{}),
	}
}

// ByIndex returns the entry at position i of the current config.
func (c *Cache) ByIndex(i int) (layout.AssetMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil || i < 0 || i >= len(c.current.Config.AssetMetas) {
		return layout.AssetMeta{}, false
	}
	return c.current.Config.AssetMetas[i], true
}

// TopPriorityFor returns the preferred entry for asset.
func (c *Cache) TopPriorityFor(asset solana.PublicKey) (layout.AssetMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.index[asset]
	if len(entries) == 0 {
		return layout.AssetMeta{}, false
	}
	return entries[0], true
}

// TopPriorityForChecked is TopPriorityFor but poisons the cache when the
// entry disagrees with the mint's on-chain decimals.
func (c *Cache) TopPriorityForChecked(ctx context.Context, asset solana.PublicKey) (layout.AssetMeta, bool) {
	meta, ok := c.TopPriorityFor(asset)
	if !ok {
		return layout.AssetMeta{}, false
	}
	mint, known := c.mints.Get(asset)
	if known && mint.Decimals != meta.Decimals {
		c.poison(ctx, 0, &Violation{
			Reason: fmt.Sprintf("decimals disagree with mint (%d)", mint.Decimals),
			Index:  -1,
			Next:   metaPtr(meta),
		})
		return layout.AssetMeta{}, false
	}
	return meta, true
}

// Entries returns every entry for asset in priority order.
func (c *Cache) Entries(asset solana.PublicKey) []layout.AssetMeta {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]layout.AssetMeta(nil), c.index[asset]...)
}

// Current returns the published snapshot, or nil when empty or poisoned.
func (c *Cache) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Poisoned reports whether the cache refused an update.
func (c *Cache) Poisoned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.poisoned
}

// Done is closed when the cache becomes poisoned.
func (c *Cache) Done() <-chan struct{} {
	return c.done
}

// Accept reconciles a pushed or fetched config account. It returns true when
// the update was published.
func (c *Cache) Accept(ctx context.Context, info chain.AccountInfo) bool {
	if !c.checkAccount(info) {
		c.metrics.CacheUpdate(cacheName, "invalid_account")
		return false
	}

	c.mu.RLock()
	prev, poisoned := c.current, c.poisoned
	c.mu.RUnlock()
	if poisoned {
		return false
	}
	if prev != nil && (info.Slot <= prev.Slot || bytes.Equal(info.Data, prev.Data)) {
		c.metrics.CacheUpdate(cacheName, "stale")
		return false
	}

	cfg, err := layout.DecodeGlobalConfig(info.Data)
	if err != nil {
		c.poison(ctx, info.Slot, fmt.Errorf("decode: %w", err))
		return false
	}

	var prevMetas []layout.AssetMeta
	if prev != nil {
		prevMetas = prev.Config.AssetMetas
		changes, err := Reconcile(prevMetas, cfg.AssetMetas)
		if err != nil {
			c.poison(ctx, info.Slot, err)
			return false
		}
		c.logChanges(info.Slot, changes)
	}

	index, err := Validate(cfg.AssetMetas, prevMetas, c.mints)
	if err != nil {
		c.poison(ctx, info.Slot, err)
		return false
	}

	next := &Snapshot{Slot: info.Slot, Config: cfg, Data: append([]byte(nil), info.Data...)}
	c.mu.Lock()
	if c.poisoned || (c.current != nil && c.current != prev) {
		// A concurrent writer published or poisoned first; its outcome stands.
		c.mu.Unlock()
		c.metrics.CacheUpdate(cacheName, "raced")
		return false
	}
	c.current, c.index = next, index
	c.mu.Unlock()

	c.metrics.CacheUpdate(cacheName, "accepted")
	c.metrics.CachePublished(cacheName, info.Slot)
	c.logger.Info("global config updated", zap.Uint64("slot", info.Slot), zap.Int("entries", len(cfg.AssetMetas)))

	if c.store != nil {
		if err := c.store.Save(ctx, c.opts.Account, next.Data); err != nil {
			c.logger.Error("persist global config", zap.Error(err))
		}
	}
	c.queueMissingMints(cfg.AssetMetas)
	return true
}

func (c *Cache) checkAccount(info chain.AccountInfo) bool {
	if info.Owner.Equals(c.opts.Program) && layout.HasDiscriminator(info.Data, layout.GlobalConfigDiscriminator) {
		return true
	}
	c.logger.Warn("unexpected global config account",
		zap.Uint64("slot", info.Slot),
		zap.Stringer("owner", info.Owner),
		zap.Stringer("expected_owner", c.opts.Program),
		zap.String("data", base64.StdEncoding.EncodeToString(info.Data)),
	)
	return false
}

func (c *Cache) logChanges(slot uint64, changes []Change) {
	for _, ch := range changes {
		fields := []zap.Field{
			zap.String("event", ch.Event),
			zap.Uint64("slot", slot),
			zap.Int("index", ch.Index),
			zap.Any("new", ch.Next),
		}
		if ch.Previous != nil {
			fields = append(fields, zap.Any("previous", *ch.Previous))
		}
		c.logger.Info("global config entry changed", fields...)
	}
}

func (c *Cache) poison(ctx context.Context, slot uint64, cause error) {
	c.mu.Lock()
	already := c.poisoned
	c.poisoned = true
	c.current = nil
	c.index = nil
	c.mu.Unlock()
	if already {
		return
	}
	c.poisonOnce.Do(func() { close(c.done) })

	c.metrics.CacheUpdate(cacheName, "rejected")
	c.metrics.CachePoison(cacheName)
	c.logger.Error("global config rejected, cache poisoned", zap.Uint64("slot", slot), zap.Error(cause))
	c.notifier.Notify(ctx, fmt.Sprintf("Global config %s rejected at slot %d, cache disabled until restart: %v", c.opts.Account, slot, cause))
}

func (c *Cache) queueMissingMints(metas []layout.AssetMeta) {
	if c.queue == nil {
		return
	}
	assets := make([]solana.PublicKey, len(metas))
	for i, m := range metas {
		assets[i] = m.Asset
	}
	missing := c.mints.Missing(assets)
	if len(missing) == 0 {
		return
	}
	c.queue.Queue(missing, c.handleMints)
}

func (c *Cache) handleMints(accounts []*chain.AccountInfo) {
	for _, acct := range accounts {
		if acct == nil {
			continue
		}
		if _, err := c.mints.SetFromAccount(acct.Key, acct.Owner, acct.Data); err != nil {
			c.logger.Warn("cache mint", zap.Stringer("mint", acct.Key), zap.Error(err))
		}
	}
}
