// Package market caches venue market metadata keyed by market index.
package market

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/fetch"
	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/metrics"
	"vaultKeeper/internal/notify"
	"vaultKeeper/internal/snapshot"
)

// ErrPoisoned is returned by Run once the cache refused an update.
var ErrPoisoned = errors.New("market cache poisoned")

// Kind selects the market family and its address seed.
type Kind string

const (
	KindSpot Kind = "spot"
	KindPerp Kind = "perp"
)

func (k Kind) seed() string {
	return string(k) + "_market"
}

// Namespace is the snapshot namespace markets of this kind persist under.
func (k Kind) Namespace() string {
	return string(k) + "_markets"
}

// AccountQueue schedules background account reads.
type AccountQueue interface {
	Queue(keys []solana.PublicKey, callback fetch.Callback)
	PriorityQueue(keys []solana.PublicKey, callback fetch.Callback)
}

// ProgramAccountLister lists program owned accounts.
type ProgramAccountLister interface {
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters []chain.Filter) ([]chain.AccountInfo, error)
}

// Options describe one market family. StatusOffset < 0 disables the status
// filter used for the initial program scan.
type Options struct {
	Program      solana.PublicKey
	Kind         Kind
	Layout       layout.MarketLayout
	StatusOffset int
	ActiveStatus byte
	PollInterval time.Duration
}

type entry struct {
	slot uint64
	ctx  layout.MarketContext
	data []byte
}

// Cache holds the latest accepted context per market index. A market's
// address and pool never change; any such change poisons the whole cache.
type Cache struct {
	opts     Options
	name     string
	store    snapshot.Store
	queue    AccountQueue
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.RWMutex
	markets  map[uint16]*entry
	poisoned bool

	done       chan struct{}
	poisonOnce sync.Once
}

func New(
	opts Options,
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
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Hour
	}
	name := opts.Kind.Namespace()
	return &Cache{
		opts:     opts,
		name:     name,
		store:    store,
		queue:    queue,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With(zap.String("cache", name)),
		markets:  make(map[uint16]*entry),
		done:     make(chan struct{}),
	}
}

// MarketKey derives the address of the market with index.
func (c *Cache) MarketKey(index uint16) (solana.PublicKey, error) {
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], index)
	key, _, err := solana.FindProgramAddress([][]byte{[]byte(c.opts.Kind.seed()), idx[:]}, c.opts.Program)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive %s market %d: %w", c.opts.Kind, index, err)
	}
	return key, nil
}

// Filters select active markets of this kind.
func (c *Cache) Filters() []chain.Filter {
	l := c.opts.Layout
	filters := []chain.Filter{chain.MemcmpFilter(0, l.Discriminator[:])}
	if l.Size > 0 {
		filters = append([]chain.Filter{chain.SizeFilter(uint64(l.Size))}, filters...)
	}
	if c.opts.StatusOffset >= 0 {
		filters = append(filters, chain.MemcmpFilter(uint64(c.opts.StatusOffset), []byte{c.opts.ActiveStatus}))
	}
	return filters
}

func (c *Cache) Kind() Kind {
	return c.opts.Kind
}

// Get returns the context for market index.
func (c *Cache) Get(index uint16) (layout.MarketContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.markets[index]
	if !ok {
		return layout.MarketContext{}, false
	}
	return e.ctx, true
}

// Oracles returns the distinct oracles of every cached market.
func (c *Cache) Oracles() []solana.PublicKey {
	c.mu.RLock()
	seen := make(map[solana.PublicKey]struct{}, len(c.markets))
	out := make([]solana.PublicKey, 0, len(c.markets))
	for _, e := range c.markets {
		if _, ok := seen[e.ctx.Oracle]; ok {
			continue
		}
		seen[e.ctx.Oracle] = struct{}{}
		out = append(out, e.ctx.Oracle)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Len reports the number of cached markets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets)
}

func (c *Cache) Poisoned() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.poisoned
}

func (c *Cache) Done() <-chan struct{} {
	return c.done
}

// Accept reconciles one market account. It returns true when published.
func (c *Cache) Accept(ctx context.Context, info chain.AccountInfo) bool {
	if !info.Owner.Equals(c.opts.Program) || !layout.HasDiscriminator(info.Data, c.opts.Layout.Discriminator) {
		c.logger.Warn("unexpected market account", zap.Stringer("account", info.Key), zap.Stringer("owner", info.Owner))
		c.metrics.CacheUpdate(c.name, "invalid_account")
		return false
	}
	next, err := c.opts.Layout.Decode(info.Data)
	if err != nil {
		c.logger.Warn("decode market", zap.Stringer("account", info.Key), zap.Error(err))
		c.metrics.CacheUpdate(c.name, "invalid_account")
		return false
	}
	if !info.Key.IsZero() && !info.Key.Equals(next.Market) {
		c.logger.Warn("market account key mismatch", zap.Stringer("account", info.Key), zap.Stringer("market", next.Market))
		c.metrics.CacheUpdate(c.name, "invalid_account")
		return false
	}

	c.mu.Lock()
	if c.poisoned {
		c.mu.Unlock()
		return false
	}
	prev := c.markets[next.MarketIndex]
	if prev != nil && (info.Slot <= prev.slot || bytes.Equal(info.Data, prev.data)) {
		c.mu.Unlock()
		c.metrics.CacheUpdate(c.name, "stale")
		return false
	}
	if prev != nil && (!prev.ctx.Market.Equals(next.Market) || prev.ctx.PoolID != next.PoolID) {
		c.mu.Unlock()
		c.poison(ctx, info.Slot, fmt.Errorf("market %d changed identity: previous %s pool %d, new %s pool %d",
			next.MarketIndex, prev.ctx.Market, prev.ctx.PoolID, next.Market, next.PoolID))
		return false
	}
	c.markets[next.MarketIndex] = &entry{slot: info.Slot, ctx: next, data: append([]byte(nil), info.Data...)}
	c.mu.Unlock()

	switch {
	case prev == nil:
		c.logger.Info("new market",
			zap.Uint16("market_index", next.MarketIndex),
			zap.Stringer("market", next.Market),
			zap.Stringer("oracle", next.Oracle),
			zap.Uint64("slot", info.Slot))
	case !prev.ctx.Oracle.Equals(next.Oracle):
		c.logger.Info("market oracle changed",
			zap.Uint16("market_index", next.MarketIndex),
			zap.Stringer("previous", prev.ctx.Oracle),
			zap.Stringer("oracle", next.Oracle),
			zap.Uint64("slot", info.Slot))
	}
	c.metrics.CacheUpdate(c.name, "accepted")
	c.metrics.CachePublished(c.name, info.Slot)

	if c.store != nil {
		if err := c.store.Save(ctx, next.Market, info.Data); err != nil {
			c.logger.Error("persist market", zap.Stringer("market", next.Market), zap.Error(err))
		}
	}
	return true
}

func (c *Cache) poison(ctx context.Context, slot uint64, cause error) {
	c.mu.Lock()
	already := c.poisoned
	c.poisoned = true
	c.markets = make(map[uint16]*entry)
	c.mu.Unlock()
	if already {
		return
	}
	c.poisonOnce.Do(func() { close(c.done) })

	c.metrics.CacheUpdate(c.name, "rejected")
	c.metrics.CachePoison(c.name)
	c.logger.Error("market rejected, cache poisoned", zap.Uint64("slot", slot), zap.Error(cause))
	c.notifier.Notify(ctx, fmt.Sprintf("%s market rejected at slot %d, cache disabled until restart: %v", c.opts.Kind, slot, cause))
}
