package layout

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	TokenAccountSize = 165
	MintSize         = 82
	ClockSize        = 40
)

// TokenAccount holds the fields of an SPL token account used here.
type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

// DecodeTokenAccount reads the base token account layout. Token-2022
// accounts carry extensions past the base length which are ignored.
func DecodeTokenAccount(data []byte) (TokenAccount, error) {
	if len(data) < TokenAccountSize {
		return TokenAccount{}, fmt.Errorf("token account: %d bytes, want %d", len(data), TokenAccountSize)
	}
	dec := bin.NewBorshDecoder(data)
	var acct TokenAccount
	var err error
	if acct.Mint, err = readPublicKey(dec); err != nil {
		return TokenAccount{}, err
	}
	if acct.Owner, err = readPublicKey(dec); err != nil {
		return TokenAccount{}, err
	}
	if acct.Amount, err = dec.ReadUint64(bin.LE); err != nil {
		return TokenAccount{}, err
	}
	return acct, nil
}

// Mint holds the supply and decimals of a token mint.
type Mint struct {
	Supply   uint64
	Decimals uint8
}

func DecodeMint(data []byte) (Mint, error) {
	if len(data) < MintSize {
		return Mint{}, fmt.Errorf("mint: %d bytes, want %d", len(data), MintSize)
	}
	dec := bin.NewBorshDecoder(data)
	// mint authority COption<Pubkey>
	if err := dec.SkipBytes(4 + solana.PublicKeyLength); err != nil {
		return Mint{}, err
	}
	supply, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return Mint{}, err
	}
	decimals, err := dec.ReadUint8()
	if err != nil {
		return Mint{}, err
	}
	return Mint{Supply: supply, Decimals: decimals}, nil
}

// Clock is the ledger clock sysvar.
type Clock struct {
	Slot                uint64
	EpochStartTimestamp int64
	Epoch               uint64
	LeaderScheduleEpoch uint64
	UnixTimestamp       int64
}

func DecodeClock(data []byte) (Clock, error) {
	if len(data) < ClockSize {
		return Clock{}, fmt.Errorf("clock: %d bytes, want %d", len(data), ClockSize)
	}
	dec := bin.NewBorshDecoder(data)
	var c Clock
	var err error
	if c.Slot, err = dec.ReadUint64(bin.LE); err != nil {
		return Clock{}, err
	}
	if c.EpochStartTimestamp, err = dec.ReadInt64(bin.LE); err != nil {
		return Clock{}, err
	}
	if c.Epoch, err = dec.ReadUint64(bin.LE); err != nil {
		return Clock{}, err
	}
	if c.LeaderScheduleEpoch, err = dec.ReadUint64(bin.LE); err != nil {
		return Clock{}, err
	}
	if c.UnixTimestamp, err = dec.ReadInt64(bin.LE); err != nil {
		return Clock{}, err
	}
	return c, nil
}
