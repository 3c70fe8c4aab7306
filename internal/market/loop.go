package market

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"vaultKeeper/internal/chain"
)

// Init loads every persisted market at slot 0. When nothing is persisted it
// scans the program for active markets and persists them.
func (c *Cache) Init(ctx context.Context, lister ProgramAccountLister) error {
	if c.store != nil {
		keys, err := c.store.List(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", c.name, err)
		}
		for _, key := range keys {
			data, ok, err := c.store.Load(ctx, key)
			if err != nil {
				return fmt.Errorf("load %s %s: %w", c.name, key, err)
			}
			if ok {
				c.loadPersisted(key, data)
			}
		}
		if c.Len() > 0 {
			c.logger.Info("markets loaded from snapshots", zap.Int("markets", c.Len()))
			return nil
		}
	}

	accounts, err := lister.GetProgramAccounts(ctx, c.opts.Program, c.Filters())
	if err != nil {
		return fmt.Errorf("scan %s: %w", c.name, err)
	}
	for _, acct := range accounts {
		c.Accept(ctx, acct)
	}
	if c.Poisoned() {
		return ErrPoisoned
	}
	c.logger.Info("markets fetched", zap.Int("accounts", len(accounts)), zap.Int("markets", c.Len()))
	return nil
}

func (c *Cache) loadPersisted(key solana.PublicKey, data []byte) {
	next, err := c.opts.Layout.Decode(data)
	if err != nil {
		c.logger.Warn("discarding persisted market", zap.Stringer("market", key), zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.markets[next.MarketIndex]; dup {
		c.logger.Warn("duplicate persisted market index", zap.Uint16("market_index", next.MarketIndex), zap.Stringer("market", key))
		return
	}
	c.markets[next.MarketIndex] = &entry{ctx: next, data: data}
}

// Refresh schedules a priority read of market index, known or not.
func (c *Cache) Refresh(ctx context.Context, index uint16) error {
	if c.queue == nil {
		return fmt.Errorf("%s cache has no account queue", c.name)
	}
	key, err := c.marketKey(index)
	if err != nil {
		return err
	}
	c.queue.PriorityQueue([]solana.PublicKey{key}, c.acceptAll(ctx))
	return nil
}

func (c *Cache) marketKey(index uint16) (solana.PublicKey, error) {
	if m, ok := c.Get(index); ok {
		return m.Market, nil
	}
	return c.MarketKey(index)
}

func (c *Cache) acceptAll(ctx context.Context) func([]*chain.AccountInfo) {
	return func(accounts []*chain.AccountInfo) {
		for _, acct := range accounts {
			if acct != nil {
				c.Accept(ctx, *acct)
			}
		}
	}
}

// Handler returns a program subscription callback feeding Accept.
func (c *Cache) Handler(ctx context.Context) chain.AccountHandler {
	return func(info chain.AccountInfo) {
		c.Accept(ctx, info)
	}
}

// Subscribe registers a program subscription for this market family.
func (c *Cache) Subscribe(ctx context.Context, sub *chain.Subscriber) {
	sub.ProgramSubscribe(c.opts.Program, c.Filters(), c.Handler(ctx))
}

// Run re-reads every known market each PollInterval. It returns ErrPoisoned
// once the cache is poisoned and nil when ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	if c.queue == nil {
		return fmt.Errorf("%s cache has no account queue", c.name)
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
			if keys := c.keys(); len(keys) > 0 {
				c.queue.Queue(keys, c.acceptAll(ctx))
			}
		}
	}
}

func (c *Cache) keys() []solana.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]solana.PublicKey, 0, len(c.markets))
	for _, e := range c.markets {
		keys = append(keys, e.ctx.Market)
	}
	return keys
}
