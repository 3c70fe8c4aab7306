package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// MarketLayout locates the fields of a venue market account. Venue programs
// keep these accounts large and versioned, so only the offsets are configured.
type MarketLayout struct {
	Name              string
	Discriminator     Discriminator
	Size              int
	PubkeyOffset      int
	OracleOffset      int
	MarketIndexOffset int
	PoolIDOffset      int
}

// MarketContext is the subset of a venue market needed to price positions.
type MarketContext struct {
	PoolID      uint8
	MarketIndex uint16
	Market      solana.PublicKey
	Oracle      solana.PublicKey
}

// Decode extracts a MarketContext. A zero Size disables the length check.
func (l MarketLayout) Decode(data []byte) (MarketContext, error) {
	if err := checkDiscriminator(data, l.Discriminator, l.Name); err != nil {
		return MarketContext{}, err
	}
	if l.Size > 0 && len(data) != l.Size {
		return MarketContext{}, fmt.Errorf("%s: %d bytes, want %d", l.Name, len(data), l.Size)
	}
	need := max(
		l.PubkeyOffset+solana.PublicKeyLength,
		l.OracleOffset+solana.PublicKeyLength,
		l.MarketIndexOffset+2,
		l.PoolIDOffset+1,
	)
	if len(data) < need {
		return MarketContext{}, fmt.Errorf("%s: %d bytes, need %d", l.Name, len(data), need)
	}
	return MarketContext{
		PoolID:      data[l.PoolIDOffset],
		MarketIndex: binary.LittleEndian.Uint16(data[l.MarketIndexOffset:]),
		Market:      solana.PublicKeyFromBytes(data[l.PubkeyOffset : l.PubkeyOffset+solana.PublicKeyLength]),
		Oracle:      solana.PublicKeyFromBytes(data[l.OracleOffset : l.OracleOffset+solana.PublicKeyLength]),
	}, nil
}
