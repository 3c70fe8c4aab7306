package globalconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/layout"
)

// AccountGetter reads a single account.
type AccountGetter interface {
	GetAccountInfo(ctx context.Context, key solana.PublicKey) (*chain.AccountInfo, error)
}

// Init publishes the persisted snapshot when one exists, otherwise the
// remote account. A persisted snapshot is published at slot 0 so any
// remote observation supersedes it.
func (c *Cache) Init(ctx context.Context, reader AccountGetter) error {
	if c.store != nil {
		data, ok, err := c.store.Load(ctx, c.opts.Account)
		if err != nil {
			return fmt.Errorf("load global config snapshot: %w", err)
		}
		if ok {
			loaded, err := c.loadPersisted(data)
			if err == nil {
				c.logger.Info("global config loaded from snapshot", zap.Int("entries", len(loaded.Config.AssetMetas)))
				c.queueMissingMints(loaded.Config.AssetMetas)
				return nil
			}
			c.logger.Warn("discarding persisted global config", zap.Error(err))
		}
	}

	info, err := reader.GetAccountInfo(ctx, c.opts.Account)
	if err != nil {
		return fmt.Errorf("fetch global config: %w", err)
	}
	if info == nil {
		return fmt.Errorf("global config account %s not found", c.opts.Account)
	}
	if !c.Accept(ctx, *info) {
		if c.Poisoned() {
			return ErrPoisoned
		}
		return fmt.Errorf("global config account %s rejected", c.opts.Account)
	}
	return nil
}

func (c *Cache) loadPersisted(data []byte) (*Snapshot, error) {
	cfg, err := layout.DecodeGlobalConfig(data)
	if err != nil {
		return nil, err
	}
	index, err := Validate(cfg.AssetMetas, nil, c.mints)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Slot: 0, Config: cfg, Data: data}
	c.mu.Lock()
	c.current, c.index = snap, index
	c.mu.Unlock()
	c.metrics.CachePublished(cacheName, 0)
	return snap, nil
}

// Handler returns a push subscription callback feeding Accept.
func (c *Cache) Handler(ctx context.Context) chain.AccountHandler {
	return func(info chain.AccountInfo) {
		c.Accept(ctx, info)
	}
}

// Run polls the config account every PollInterval as a backstop for missed
// push updates. It returns ErrPoisoned once the cache is poisoned and nil
// when ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	if c.queue == nil {
		return fmt.Errorf("global config cache has no account queue")
	}
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return ErrPoisoned
		case <-ticker.C:
			c.queue.PriorityQueue([]solana.PublicKey{c.opts.Account}, func(accounts []*chain.AccountInfo) {
				if len(accounts) == 1 && accounts[0] != nil {
					c.Accept(ctx, *accounts[0])
				}
			})
		}
	}
}
