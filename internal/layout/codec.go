package layout

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// DiscriminatorLength is the size of the account type tag prefixed to program accounts.
const DiscriminatorLength = 8

// Discriminator is the 8 byte type tag at the start of a program account.
type Discriminator [DiscriminatorLength]byte

func (d Discriminator) String() string {
	return hex.EncodeToString(d[:])
}

// AccountDiscriminator derives the type tag for an account struct name.
func AccountDiscriminator(name string) Discriminator {
	return hashDiscriminator("account:" + name)
}

// InstructionDiscriminator derives the tag prefixed to instruction data.
func InstructionDiscriminator(name string) Discriminator {
	return hashDiscriminator("global:" + name)
}

func hashDiscriminator(preimage string) Discriminator {
	sum := sha256.Sum256([]byte(preimage))
	var d Discriminator
	copy(d[:], sum[:DiscriminatorLength])
	return d
}

// HasDiscriminator reports whether data starts with the given type tag.
func HasDiscriminator(data []byte, d Discriminator) bool {
	return len(data) >= DiscriminatorLength && bytes.Equal(data[:DiscriminatorLength], d[:])
}

func checkDiscriminator(data []byte, d Discriminator, name string) error {
	if len(data) < DiscriminatorLength {
		return fmt.Errorf("%s: account data too short (%d bytes)", name, len(data))
	}
	if !HasDiscriminator(data, d) {
		return fmt.Errorf("%s: discriminator mismatch %x", name, data[:DiscriminatorLength])
	}
	return nil
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func writePublicKey(enc *bin.Encoder, key solana.PublicKey) error {
	return enc.WriteBytes(key[:], false)
}

func readVecLen(dec *bin.Decoder, elemSize int, name string) (int, error) {
	n, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return 0, fmt.Errorf("%s: read length: %w", name, err)
	}
	if uint64(n)*uint64(elemSize) > uint64(dec.Remaining()) {
		return 0, fmt.Errorf("%s: length %d exceeds remaining %d bytes", name, n, dec.Remaining())
	}
	return int(n), nil
}
