package mints

import (
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"vaultKeeper/internal/layout"
)

// Context describes a token mint as seen on the ledger.
type Context struct {
	Mint         solana.PublicKey
	Decimals     uint8
	TokenProgram solana.PublicKey
}

// Cache caches mint contexts by mint key.
type Cache struct {
	mu   sync.RWMutex
	data map[solana.PublicKey]Context
}

func NewCache() *Cache {
	return &Cache{data: make(map[solana.PublicKey]Context)}
}

func (c *Cache) Get(mint solana.PublicKey) (Context, bool) {
	c.mu.RLock()
	ctx, ok := c.data[mint]
	c.mu.RUnlock()
	return ctx, ok
}

func (c *Cache) Set(ctx Context) {
	c.mu.Lock()
	c.data[ctx.Mint] = ctx
	c.mu.Unlock()
}

// Missing returns the mints from keys that are not cached yet.
func (c *Cache) Missing(keys []solana.PublicKey) []solana.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []solana.PublicKey
	seen := make(map[solana.PublicKey]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := c.data[key]; ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// SetFromAccount decodes a mint account owned by a token program and caches it.
func (c *Cache) SetFromAccount(mint, owner solana.PublicKey, data []byte) (Context, error) {
	if !owner.Equals(solana.TokenProgramID) && !owner.Equals(solana.Token2022ProgramID) {
		return Context{}, fmt.Errorf("mint %s owned by %s, not a token program", mint, owner)
	}
	decoded, err := layout.DecodeMint(data)
	if err != nil {
		return Context{}, fmt.Errorf("decode mint %s: %w", mint, err)
	}
	ctx := Context{Mint: mint, Decimals: decoded.Decimals, TokenProgram: owner}
	c.Set(ctx)
	return ctx, nil
}
