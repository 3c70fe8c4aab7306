package valuation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/layout"
)

var priceVenueUsersDiscriminator = layout.InstructionDiscriminator("price_drift_users")

// ErrMarketUnknown marks a venue position in a market the caches have not
// seen yet.
var ErrMarketUnknown = errors.New("venue market unknown")

// MarketLookup resolves venue markets by index and can be asked to learn a
// missing one.
type MarketLookup interface {
	Get(index uint16) (layout.MarketContext, bool)
	Refresh(ctx context.Context, index uint16) error
}

// VenueUserPosition prices the vault's sub-accounts on a trading venue.
// Every market a sub-account holds a position in is passed along with its
// oracle.
type VenueUserPosition struct {
	vault VaultAccounts
	spot  MarketLookup
	perp  MarketLookup
	stats solana.PublicKey
	users []solana.PublicKey
}

func NewVenueUserPosition(vault VaultAccounts, program solana.PublicKey, spot, perp MarketLookup, subAccounts []uint16) (*VenueUserPosition, error) {
	stats, _, err := solana.FindProgramAddress([][]byte{[]byte("user_stats"), vault.Vault[:]}, program)
	if err != nil {
		return nil, fmt.Errorf("derive venue user stats: %w", err)
	}
	p := &VenueUserPosition{vault: vault, spot: spot, perp: perp, stats: stats}
	seen := make(map[uint16]struct{}, len(subAccounts))
	for _, id := range subAccounts {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		var raw [2]byte
		binary.LittleEndian.PutUint16(raw[:], id)
		user, _, err := solana.FindProgramAddress([][]byte{[]byte("user"), vault.Vault[:], raw[:]}, program)
		if err != nil {
			return nil, fmt.Errorf("derive venue user %d: %w", id, err)
		}
		p.users = append(p.users, user)
	}
	return p, nil
}

// Users returns the sub-account addresses in configuration order.
func (p *VenueUserPosition) Users() []solana.PublicKey {
	return append([]solana.PublicKey(nil), p.users...)
}

func (p *VenueUserPosition) Stats() solana.PublicKey {
	return p.stats
}

func (p *VenueUserPosition) AccountsNeeded(keys AccountSet) {
	keys.Add(p.users...)
}

// PriceInstruction fails with ErrMarketUnknown while any held market is
// missing from the caches; a refresh of that market is requested first.
// Sub-accounts that do not exist yet are skipped.
func (p *VenueUserPosition) PriceInstruction(ctx context.Context, accounts map[solana.PublicKey]*chain.AccountInfo, returnAccounts AccountSet) (solana.Instruction, error) {
	v := p.vault
	metas := v.pricingMetas()
	metas = append(metas, solana.Meta(p.stats))
	returnAccounts.Add(v.SolUSDOracle, v.BaseAssetUSDOracle, p.stats)

	var users, oracles, spotMarkets, perpMarkets []solana.PublicKey
	extra := make(AccountSet)
	var missing []error
	add := func(lookup MarketLookup, kind string, index uint16, markets *[]solana.PublicKey) {
		m, ok := lookup.Get(index)
		if !ok {
			if err := lookup.Refresh(ctx, index); err != nil {
				missing = append(missing, fmt.Errorf("refresh %s market %d: %w", kind, index, err))
			}
			missing = append(missing, fmt.Errorf("%w: %s market %d", ErrMarketUnknown, kind, index))
			return
		}
		if _, ok := extra[m.Market]; !ok {
			extra.Add(m.Market)
			*markets = append(*markets, m.Market)
		}
		if _, ok := extra[m.Oracle]; !ok {
			extra.Add(m.Oracle)
			oracles = append(oracles, m.Oracle)
		}
	}

	for _, user := range p.users {
		info := accounts[user]
		if info == nil || len(info.Data) == 0 {
			continue
		}
		u, err := layout.DecodeVenueUser(info.Data)
		if err != nil {
			return nil, fmt.Errorf("venue user %s: %w", user, err)
		}
		users = append(users, user)
		for _, index := range u.SpotMarkets {
			add(p.spot, "spot", index, &spotMarkets)
		}
		for _, index := range u.PerpMarkets {
			add(p.perp, "perp", index, &perpMarkets)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}
	if len(users) > 255 {
		return nil, fmt.Errorf("%d venue users exceed one instruction", len(users))
	}

	// users, then oracles, spot markets and perp markets
	for _, group := range [][]solana.PublicKey{users, oracles, spotMarkets, perpMarkets} {
		for _, key := range group {
			metas = append(metas, solana.Meta(key))
		}
		returnAccounts.Add(group...)
	}

	data := make([]byte, 0, layout.DiscriminatorLength+1)
	data = append(data, priceVenueUsersDiscriminator[:]...)
	data = append(data, byte(len(users)))
	return solana.NewInstruction(v.MintProgram, metas, data), nil
}
