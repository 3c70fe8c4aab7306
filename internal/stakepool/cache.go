// Package stakepool maps liquid staking mints to the pool accounts that
// price them.
package stakepool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/metrics"
	"vaultKeeper/internal/snapshot"
)

const name = "stake_pools"

// ProgramAccountLister lists program owned accounts.
type ProgramAccountLister interface {
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, filters []chain.Filter) ([]chain.AccountInfo, error)
}

type Options struct {
	// Programs are stake pool programs sharing the SPL pool layout.
	Programs []solana.PublicKey
	// Static pools use their own layout and are configured directly.
	Static       []layout.StakePoolContext
	PollInterval time.Duration
}

// Cache holds the pool context of every known liquid staking mint. The
// first pool seen for a mint keeps it.
type Cache struct {
	opts    Options
	lister  ProgramAccountLister
	stores  func(program solana.PublicKey) snapshot.Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.RWMutex
	pools map[solana.PublicKey]layout.StakePoolContext
}

// New builds a cache. stores may be nil, or return nil for programs that
// are not persisted.
func New(
	opts Options,
	lister ProgramAccountLister,
	stores func(program solana.PublicKey) snapshot.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Hour
	}
	if stores == nil {
		stores = func(solana.PublicKey) snapshot.Store { return nil }
	}
	c := &Cache{
		opts:    opts,
		lister:  lister,
		stores:  stores,
		metrics: m,
		logger:  logger.With(zap.String("cache", name)),
		pools:   make(map[solana.PublicKey]layout.StakePoolContext),
	}
	for _, p := range opts.Static {
		c.pools[p.Mint] = p
	}
	return c
}

// Get returns the pool backing mint.
func (c *Cache) Get(mint solana.PublicKey) (layout.StakePoolContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pools[mint]
	return p, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pools)
}

// Filters select pool accounts, skipping validator lists.
func Filters() []chain.Filter {
	return []chain.Filter{chain.MemcmpFilter(0, []byte{layout.StakePoolAccountType})}
}

func (c *Cache) isProgram(key solana.PublicKey) bool {
	for _, p := range c.opts.Programs {
		if p.Equals(key) {
			return true
		}
	}
	return false
}

// Accept records the pool in info. It returns true when the mint was new.
func (c *Cache) Accept(ctx context.Context, info chain.AccountInfo) bool {
	if !c.isProgram(info.Owner) {
		c.metrics.CacheUpdate(name, "invalid_account")
		return false
	}
	mint, err := layout.DecodeStakePoolMint(info.Data)
	if err != nil {
		c.metrics.CacheUpdate(name, "invalid_account")
		return false
	}
	if !c.add(layout.StakePoolContext{Program: info.Owner, State: info.Key, Mint: mint}) {
		return false
	}
	c.metrics.CacheUpdate(name, "accepted")
	if store := c.stores(info.Owner); store != nil {
		if err := store.Save(ctx, info.Key, info.Data); err != nil {
			c.logger.Error("persist stake pool", zap.Stringer("pool", info.Key), zap.Error(err))
		}
	}
	return true
}

func (c *Cache) add(next layout.StakePoolContext) bool {
	c.mu.Lock()
	prev, ok := c.pools[next.Mint]
	if !ok {
		c.pools[next.Mint] = next
	}
	c.mu.Unlock()

	switch {
	case !ok:
		c.logger.Info("new stake pool",
			zap.Stringer("mint", next.Mint),
			zap.Stringer("pool", next.State),
			zap.Stringer("program", next.Program))
		return true
	case !prev.State.Equals(next.State):
		c.logger.Warn("second stake pool for mint ignored",
			zap.Stringer("mint", next.Mint),
			zap.Stringer("pool", prev.State),
			zap.Stringer("ignored", next.State))
	}
	return false
}

// Init loads persisted pools, then scans every program that had none.
func (c *Cache) Init(ctx context.Context) error {
	for _, program := range c.opts.Programs {
		loaded, err := c.loadPersisted(ctx, program)
		if err != nil {
			return err
		}
		if loaded > 0 {
			continue
		}
		if err := c.scan(ctx, program); err != nil {
			return err
		}
	}
	c.logger.Info("stake pools ready", zap.Int("mints", c.Len()))
	return nil
}

func (c *Cache) loadPersisted(ctx context.Context, program solana.PublicKey) (int, error) {
	store := c.stores(program)
	if store == nil {
		return 0, nil
	}
	keys, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stake pools of %s: %w", program, err)
	}
	loaded := 0
	for _, key := range keys {
		data, ok, err := store.Load(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("load stake pool %s: %w", key, err)
		}
		if !ok {
			continue
		}
		mint, err := layout.DecodeStakePoolMint(data)
		if err != nil {
			c.logger.Warn("discarding persisted stake pool", zap.Stringer("pool", key), zap.Error(err))
			continue
		}
		c.add(layout.StakePoolContext{Program: program, State: key, Mint: mint})
		loaded++
	}
	return loaded, nil
}

func (c *Cache) scan(ctx context.Context, program solana.PublicKey) error {
	accounts, err := c.lister.GetProgramAccounts(ctx, program, Filters())
	if err != nil {
		return fmt.Errorf("scan stake pools of %s: %w", program, err)
	}
	added := 0
	for _, acct := range accounts {
		if c.Accept(ctx, acct) {
			added++
		}
	}
	c.logger.Debug("stake pool scan", zap.Stringer("program", program), zap.Int("accounts", len(accounts)), zap.Int("new", added))
	return nil
}

// Handler returns a program subscription callback feeding Accept.
func (c *Cache) Handler(ctx context.Context) chain.AccountHandler {
	return func(info chain.AccountInfo) {
		c.Accept(ctx, info)
	}
}

// Subscribe registers a program subscription per pool program.
func (c *Cache) Subscribe(ctx context.Context, sub *chain.Subscriber) {
	for _, program := range c.opts.Programs {
		sub.ProgramSubscribe(program, Filters(), c.Handler(ctx))
	}
}

// Run rescans every program each PollInterval until ctx is done. Failed
// scans are retried on the next tick.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, program := range c.opts.Programs {
				if err := c.scan(ctx, program); err != nil && ctx.Err() == nil {
					c.logger.Warn("stake pool scan failed", zap.Error(err))
				}
			}
		}
	}
}
