// Package valuation tracks the accounts a vault's holdings depend on and
// builds the instructions that price them on chain.
package valuation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/layout"
)

var (
	priceVaultTokensDiscriminator = layout.InstructionDiscriminator("price_vault_tokens")
	validateAumDiscriminator      = layout.InstructionDiscriminator("validate_aum")
)

// ErrUnsupportedPricing marks an asset whose oracle source cannot be priced
// through a plain oracle account.
var ErrUnsupportedPricing = errors.New("unsupported pricing")

// VaultAccounts are the fixed accounts every pricing instruction references.
type VaultAccounts struct {
	MintProgram        solana.PublicKey
	State              solana.PublicKey
	Vault              solana.PublicKey
	FeePayer           solana.PublicKey
	GlobalConfig       solana.PublicKey
	ProtocolProgram    solana.PublicKey
	SolUSDOracle       solana.PublicKey
	BaseAssetUSDOracle solana.PublicKey
}

// EventAuthority is the mint program's CPI event authority.
func (v VaultAccounts) EventAuthority() solana.PublicKey {
	key, _, err := solana.FindProgramAddress([][]byte{[]byte("__event_authority")}, v.MintProgram)
	if err != nil {
		return v.MintProgram
	}
	return key
}

func (v VaultAccounts) integrationAuthority() solana.PublicKey {
	key, _, err := solana.FindProgramAddress([][]byte{[]byte("integration-authority")}, v.MintProgram)
	if err != nil {
		return v.MintProgram
	}
	return key
}

// AccountSet collects account keys.
type AccountSet map[solana.PublicKey]struct{}

func (s AccountSet) Add(keys ...solana.PublicKey) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Sorted returns the keys in byte order.
func (s AccountSet) Sorted() []solana.PublicKey {
	out := make([]solana.PublicKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Position is one priced holding of a vault.
type Position interface {
	// AccountsNeeded adds the accounts that must be fetched before pricing.
	AccountsNeeded(keys AccountSet)
	// PriceInstruction builds the pricing instruction and adds the accounts
	// whose post-simulation state should be returned.
	PriceInstruction(ctx context.Context, accounts map[solana.PublicKey]*chain.AccountInfo, returnAccounts AccountSet) (solana.Instruction, error)
}

// OracleLookup resolves the preferred oracle entry for an asset.
type OracleLookup interface {
	TopPriorityForChecked(ctx context.Context, asset solana.PublicKey) (layout.AssetMeta, bool)
}

// StakePoolLookup resolves the pool backing a liquid staking mint.
type StakePoolLookup interface {
	Get(mint solana.PublicKey) (layout.StakePoolContext, bool)
}

// TokenPosition prices the vault's token accounts with one instruction.
type TokenPosition struct {
	vault   VaultAccounts
	oracles OracleLookup
	pools   StakePoolLookup

	assets []solana.PublicKey
	atas   map[solana.PublicKey]solana.PublicKey
}

// NewTokenPosition builds an empty position. pools may be nil.
func NewTokenPosition(vault VaultAccounts, oracles OracleLookup, pools StakePoolLookup) *TokenPosition {
	return &TokenPosition{vault: vault, oracles: oracles, pools: pools, atas: make(map[solana.PublicKey]solana.PublicKey)}
}

// AddAsset registers the vault's token account for mint.
func (p *TokenPosition) AddAsset(mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	if ata, ok := p.atas[mint]; ok {
		return ata, nil
	}
	ata, err := AssociatedTokenAddress(p.vault.Vault, mint, tokenProgram)
	if err != nil {
		return solana.PublicKey{}, err
	}
	p.atas[mint] = ata
	p.assets = append(p.assets, mint)
	return ata, nil
}

// RemoveAsset drops mint from the position.
func (p *TokenPosition) RemoveAsset(mint solana.PublicKey) {
	if _, ok := p.atas[mint]; !ok {
		return
	}
	delete(p.atas, mint)
	for i, a := range p.assets {
		if a.Equals(mint) {
			p.assets = append(p.assets[:i], p.assets[i+1:]...)
			break
		}
	}
}

func (p *TokenPosition) Assets() []solana.PublicKey {
	return append([]solana.PublicKey(nil), p.assets...)
}

func (p *TokenPosition) AccountsNeeded(keys AccountSet) {
	for _, mint := range p.assets {
		keys.Add(mint, p.atas[mint])
	}
}

// pricingMetas are the leading accounts of every pricing instruction.
func (v VaultAccounts) pricingMetas() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.Meta(v.State),
		solana.Meta(v.Vault),
		solana.Meta(v.FeePayer).WRITE().SIGNER(),
		solana.Meta(v.SolUSDOracle),
		solana.Meta(v.BaseAssetUSDOracle),
		solana.Meta(v.integrationAuthority()),
		solana.Meta(v.GlobalConfig),
		solana.Meta(v.ProtocolProgram),
		solana.Meta(v.EventAuthority()),
		solana.Meta(v.MintProgram),
	}
}

func (p *TokenPosition) stakePool(mint solana.PublicKey) (layout.StakePoolContext, bool) {
	if p.pools == nil {
		return layout.StakePoolContext{}, false
	}
	return p.pools.Get(mint)
}

// PriceInstruction prices every asset through its stake pool when it has
// one and through its preferred oracle otherwise.
func (p *TokenPosition) PriceInstruction(ctx context.Context, _ map[solana.PublicKey]*chain.AccountInfo, returnAccounts AccountSet) (solana.Instruction, error) {
	v := p.vault
	metas := v.pricingMetas()
	returnAccounts.Add(v.SolUSDOracle, v.BaseAssetUSDOracle)

	for _, mint := range p.assets {
		ata := p.atas[mint]
		metas = append(metas, solana.Meta(ata))
		returnAccounts.Add(ata)

		if pool, ok := p.stakePool(mint); ok {
			metas = append(metas, solana.Meta(mint), solana.Meta(pool.State))
			returnAccounts.Add(pool.State, v.SolUSDOracle)
			continue
		}

		meta, ok := p.oracles.TopPriorityForChecked(ctx, mint)
		if !ok {
			return nil, fmt.Errorf("no oracle configured for asset %s", mint)
		}
		metas = append(metas, solana.Meta(mint))

		switch meta.OracleSource {
		case layout.OracleSourcePythPull, layout.OracleSourcePyth1KPull, layout.OracleSourcePyth1MPull,
			layout.OracleSourcePythStableCoinPull, layout.OracleSourcePythLazer, layout.OracleSourcePythLazer1K,
			layout.OracleSourcePythLazer1M, layout.OracleSourcePythLazerStableCoin, layout.OracleSourceSwitchboardOnDemand:
			metas = append(metas, solana.Meta(meta.Oracle))
			returnAccounts.Add(meta.Oracle)
		case layout.OracleSourceQuoteAsset, layout.OracleSourceBaseAsset:
		default:
			return nil, fmt.Errorf("%w: asset %s oracle source %s", ErrUnsupportedPricing, mint, meta.OracleSource)
		}
	}

	data, err := encodePriceVaultTokens(len(p.assets))
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(v.MintProgram, metas, data), nil
}

// encodePriceVaultTokens writes the discriminator and one empty aggregate
// index row per asset.
func encodePriceVaultTokens(assets int) ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(priceVaultTokensDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(assets), bin.LE); err != nil {
		return nil, err
	}
	for i := 0; i < assets; i++ {
		for j := 0; j < 4; j++ {
			if err := enc.WriteUint16(0xffff, bin.LE); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// ValidateAumInstruction checks the priced holdings against the vault's AUM
// and emits an AUM record event.
func ValidateAumInstruction(v VaultAccounts) solana.Instruction {
	data := make([]byte, 0, layout.DiscriminatorLength+1)
	data = append(data, validateAumDiscriminator[:]...)
	data = append(data, 1)
	return solana.NewInstruction(v.MintProgram, solana.AccountMetaSlice{
		solana.Meta(v.State),
		solana.Meta(v.FeePayer).WRITE().SIGNER(),
		solana.Meta(v.EventAuthority()),
		solana.Meta(v.MintProgram),
	}, data)
}

// AssociatedTokenAddress derives the associated token account of owner for
// mint under tokenProgram.
func AssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	key, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive token account for %s: %w", mint, err)
	}
	return key, nil
}
