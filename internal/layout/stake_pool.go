package layout

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	// StakePoolAccountType tags stake pool accounts, as opposed to
	// validator lists, in the stake pool programs.
	StakePoolAccountType = 1
	stakePoolMintOffset  = 162
)

// StakePoolContext names the pool account that prices a liquid staking mint.
type StakePoolContext struct {
	Program solana.PublicKey
	State   solana.PublicKey
	Mint    solana.PublicKey
}

// DecodeStakePoolMint reads the pool mint of a stake pool account.
func DecodeStakePoolMint(data []byte) (solana.PublicKey, error) {
	if len(data) < stakePoolMintOffset+solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("stake pool: %d bytes, need %d", len(data), stakePoolMintOffset+solana.PublicKeyLength)
	}
	if data[0] != StakePoolAccountType {
		return solana.PublicKey{}, fmt.Errorf("stake pool: account type %d", data[0])
	}
	return solana.PublicKeyFromBytes(data[stakePoolMintOffset : stakePoolMintOffset+solana.PublicKeyLength]), nil
}
