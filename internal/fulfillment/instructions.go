package fulfillment

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/valuation"
)

var fulfillDiscriminator = layout.InstructionDiscriminator("fulfill")

// createIdempotent is the associated token program's CreateIdempotent tag.
const createIdempotent = 1

// Accounts are the keys a vault's fulfillment touches.
type Accounts struct {
	valuation.VaultAccounts

	ShareMint        solana.PublicKey
	RequestQueue     solana.PublicKey
	Escrow           solana.PublicKey
	EscrowShareATA   solana.PublicKey
	BaseMint         solana.PublicKey
	BaseTokenProgram solana.PublicKey
	VaultBaseATA     solana.PublicKey
	EscrowBaseATA    solana.PublicKey
}

// DeriveAccounts fills the program derived addresses for a vault.
func DeriveAccounts(v valuation.VaultAccounts, shareMint, baseMint, baseTokenProgram solana.PublicKey) (Accounts, error) {
	a := Accounts{
		VaultAccounts:    v,
		ShareMint:        shareMint,
		BaseMint:         baseMint,
		BaseTokenProgram: baseTokenProgram,
	}
	var err error
	if a.RequestQueue, _, err = solana.FindProgramAddress([][]byte{[]byte("request-queue"), shareMint[:]}, v.MintProgram); err != nil {
		return Accounts{}, fmt.Errorf("request queue address: %w", err)
	}
	if a.Escrow, _, err = solana.FindProgramAddress([][]byte{[]byte("escrow"), v.State[:]}, v.MintProgram); err != nil {
		return Accounts{}, fmt.Errorf("escrow address: %w", err)
	}
	if a.EscrowShareATA, err = valuation.AssociatedTokenAddress(a.Escrow, shareMint, solana.Token2022ProgramID); err != nil {
		return Accounts{}, err
	}
	if a.VaultBaseATA, err = valuation.AssociatedTokenAddress(v.Vault, baseMint, baseTokenProgram); err != nil {
		return Accounts{}, err
	}
	if a.EscrowBaseATA, err = valuation.AssociatedTokenAddress(a.Escrow, baseMint, baseTokenProgram); err != nil {
		return Accounts{}, err
	}
	return a, nil
}

// CreateATAIdempotent creates owner's associated token account for mint
// unless it already exists.
func CreateATAIdempotent(payer, ata, owner, mint, tokenProgram solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(tokenProgram),
		},
		[]byte{createIdempotent},
	)
}

// FulfillInstruction settles queued redemptions. A limit of zero settles
// every request the program considers ready.
func FulfillInstruction(a Accounts, limit uint32) solana.Instruction {
	data := make([]byte, 0, 8+1+1+4)
	data = append(data, fulfillDiscriminator[:]...)
	data = append(data, 0) // mint id
	if limit == 0 {
		data = append(data, 0)
	} else {
		data = append(data, 1)
		data = binary.LittleEndian.AppendUint32(data, limit)
	}
	return solana.NewInstruction(
		a.MintProgram,
		solana.AccountMetaSlice{
			solana.Meta(a.State).WRITE(),
			solana.Meta(a.Vault).WRITE(),
			solana.Meta(a.Escrow).WRITE(),
			solana.Meta(a.ShareMint).WRITE(),
			solana.Meta(a.EscrowShareATA).WRITE(),
			solana.Meta(a.RequestQueue).WRITE(),
			solana.Meta(a.FeePayer).WRITE().SIGNER(),
			solana.Meta(a.BaseMint),
			solana.Meta(a.VaultBaseATA).WRITE(),
			solana.Meta(a.EscrowBaseATA).WRITE(),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(a.BaseTokenProgram),
			solana.Meta(solana.Token2022ProgramID),
			solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
			solana.Meta(a.ProtocolProgram),
		},
		data,
	)
}

// FulfillInstructions returns the escrow account setup, the pricing
// instructions when the vault holds priced positions, and the fulfill call.
func FulfillInstructions(a Accounts, pricing []solana.Instruction, limit uint32) []solana.Instruction {
	out := []solana.Instruction{
		CreateATAIdempotent(a.FeePayer, a.EscrowShareATA, a.Escrow, a.ShareMint, solana.Token2022ProgramID),
		CreateATAIdempotent(a.FeePayer, a.EscrowBaseATA, a.Escrow, a.BaseMint, a.BaseTokenProgram),
	}
	if len(pricing) > 0 {
		out = append(out, pricing...)
		out = append(out, valuation.ValidateAumInstruction(a.VaultAccounts))
	}
	return append(out, FulfillInstruction(a, limit))
}
