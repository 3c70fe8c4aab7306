package valuation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"vaultKeeper/internal/chain"
)

// ErrPriceStale is returned when a pricing simulation fails on an oracle
// staleness error.
var ErrPriceStale = errors.New("oracle price stale")

// Set is the collection of positions priced together for one vault.
type Set struct {
	mu        sync.RWMutex
	positions map[solana.PublicKey]Position
}

func NewSet() *Set {
	return &Set{positions: make(map[solana.PublicKey]Position)}
}

// Add tracks p under key, replacing any previous position for key.
func (s *Set) Add(key solana.PublicKey, p Position) {
	s.mu.Lock()
	s.positions[key] = p
	s.mu.Unlock()
}

func (s *Set) Remove(key solana.PublicKey) {
	s.mu.Lock()
	delete(s.positions, key)
	s.mu.Unlock()
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// ordered returns positions sorted by key so instruction order is stable.
func (s *Set) ordered() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]solana.PublicKey, 0, len(s.positions))
	for k := range s.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	out := make([]Position, len(keys))
	for i, k := range keys {
		out[i] = s.positions[k]
	}
	return out
}

// AccountsNeeded returns every account the positions depend on.
func (s *Set) AccountsNeeded() []solana.PublicKey {
	keys := make(AccountSet)
	for _, p := range s.ordered() {
		p.AccountsNeeded(keys)
	}
	return keys.Sorted()
}

// BuildPricing returns one pricing instruction per position and the sorted
// accounts to return from a simulation.
func (s *Set) BuildPricing(ctx context.Context, accounts map[solana.PublicKey]*chain.AccountInfo) ([]solana.Instruction, []solana.PublicKey, error) {
	positions := s.ordered()
	instructions := make([]solana.Instruction, 0, len(positions))
	returnAccounts := make(AccountSet)
	for _, p := range positions {
		ix, err := p.PriceInstruction(ctx, accounts, returnAccounts)
		if err != nil {
			return nil, nil, err
		}
		instructions = append(instructions, ix)
	}
	return instructions, returnAccounts.Sorted(), nil
}

// TxBuilder serializes instructions into a signed transaction.
type TxBuilder interface {
	BuildTransaction(ctx context.Context, instructions []solana.Instruction) ([]byte, error)
}

// Simulator runs a transaction simulation.
type Simulator interface {
	SimulateTransaction(ctx context.Context, tx []byte, returnAccounts []solana.PublicKey) (chain.SimulationResult, error)
}

// Simulate prices the set followed by the AUM check without submitting it.
// A custom error code listed in staleCodes yields ErrPriceStale.
func Simulate(
	ctx context.Context,
	set *Set,
	vault VaultAccounts,
	accounts map[solana.PublicKey]*chain.AccountInfo,
	builder TxBuilder,
	sim Simulator,
	staleCodes []uint32,
) (chain.SimulationResult, error) {
	instructions, returnAccounts, err := set.BuildPricing(ctx, accounts)
	if err != nil {
		return chain.SimulationResult{}, fmt.Errorf("build pricing: %w", err)
	}
	instructions = append(instructions, ValidateAumInstruction(vault))

	tx, err := builder.BuildTransaction(ctx, instructions)
	if err != nil {
		return chain.SimulationResult{}, fmt.Errorf("build pricing transaction: %w", err)
	}
	result, err := sim.SimulateTransaction(ctx, tx, returnAccounts)
	if err != nil {
		return chain.SimulationResult{}, fmt.Errorf("simulate pricing: %w", err)
	}
	if result.Err != nil {
		if result.Err.Custom != nil && slices.Contains(staleCodes, *result.Err.Custom) {
			return result, fmt.Errorf("%w: %v", ErrPriceStale, result.Err)
		}
		return result, fmt.Errorf("pricing simulation failed: %w", result.Err)
	}
	return result, nil
}
