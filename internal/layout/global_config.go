package layout

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// AssetMetaSize is the encoded size of one AssetMeta entry.
const AssetMetaSize = 72

var GlobalConfigDiscriminator = AccountDiscriminator("GlobalConfig")

// AssetMeta is one oracle priced asset entry of the protocol config.
// A negative priority marks an entry rotated out and kept for audit.
type AssetMeta struct {
	Asset         solana.PublicKey `json:"asset"`
	Decimals      uint8            `json:"decimals"`
	Oracle        solana.PublicKey `json:"oracle"`
	OracleSource  OracleSource     `json:"oracle_source"`
	MaxAgeSeconds uint16           `json:"max_age_seconds"`
	Priority      int8             `json:"priority"`
}

// SamePair reports whether both entries reference the same asset and oracle.
func (m AssetMeta) SamePair(other AssetMeta) bool {
	return m.Asset.Equals(other.Asset) && m.Oracle.Equals(other.Oracle)
}

// GlobalConfig is the protocol wide configuration account.
type GlobalConfig struct {
	Admin        solana.PublicKey
	FeeAuthority solana.PublicKey
	Referrer     solana.PublicKey
	BaseFeeBps   uint16
	FlowFeeBps   uint16
	AssetMetas   []AssetMeta
}

// DecodeGlobalConfig decodes a GlobalConfig account including its discriminator.
func DecodeGlobalConfig(data []byte) (GlobalConfig, error) {
	if err := checkDiscriminator(data, GlobalConfigDiscriminator, "global config"); err != nil {
		return GlobalConfig{}, err
	}
	dec := bin.NewBorshDecoder(data[DiscriminatorLength:])

	var cfg GlobalConfig
	var err error
	if cfg.Admin, err = readPublicKey(dec); err != nil {
		return GlobalConfig{}, fmt.Errorf("global config admin: %w", err)
	}
	if cfg.FeeAuthority, err = readPublicKey(dec); err != nil {
		return GlobalConfig{}, fmt.Errorf("global config fee authority: %w", err)
	}
	if cfg.Referrer, err = readPublicKey(dec); err != nil {
		return GlobalConfig{}, fmt.Errorf("global config referrer: %w", err)
	}
	if cfg.BaseFeeBps, err = dec.ReadUint16(bin.LE); err != nil {
		return GlobalConfig{}, fmt.Errorf("global config base fee: %w", err)
	}
	if cfg.FlowFeeBps, err = dec.ReadUint16(bin.LE); err != nil {
		return GlobalConfig{}, fmt.Errorf("global config flow fee: %w", err)
	}

	n, err := readVecLen(dec, AssetMetaSize, "global config asset metas")
	if err != nil {
		return GlobalConfig{}, err
	}
	cfg.AssetMetas = make([]AssetMeta, n)
	for i := range cfg.AssetMetas {
		meta, err := decodeAssetMeta(dec)
		if err != nil {
			return GlobalConfig{}, fmt.Errorf("asset meta %d: %w", i, err)
		}
		cfg.AssetMetas[i] = meta
	}
	return cfg, nil
}

func decodeAssetMeta(dec *bin.Decoder) (AssetMeta, error) {
	var meta AssetMeta
	var err error
	if meta.Asset, err = readPublicKey(dec); err != nil {
		return AssetMeta{}, err
	}
	if meta.Decimals, err = dec.ReadUint8(); err != nil {
		return AssetMeta{}, err
	}
	if meta.Oracle, err = readPublicKey(dec); err != nil {
		return AssetMeta{}, err
	}
	tag, err := dec.ReadUint8()
	if err != nil {
		return AssetMeta{}, err
	}
	if meta.OracleSource, err = ParseOracleSource(tag); err != nil {
		return AssetMeta{}, err
	}
	if meta.MaxAgeSeconds, err = dec.ReadUint16(bin.LE); err != nil {
		return AssetMeta{}, err
	}
	if meta.Priority, err = dec.ReadInt8(); err != nil {
		return AssetMeta{}, err
	}
	if err := dec.SkipBytes(3); err != nil {
		return AssetMeta{}, err
	}
	return meta, nil
}

// MarshalBinary encodes the config with its discriminator.
func (c GlobalConfig) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(GlobalConfigDiscriminator[:])
	enc := bin.NewBorshEncoder(buf)

	for _, key := range []solana.PublicKey{c.Admin, c.FeeAuthority, c.Referrer} {
		if err := writePublicKey(enc, key); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteUint16(c.BaseFeeBps, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(c.FlowFeeBps, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(c.AssetMetas)), bin.LE); err != nil {
		return nil, err
	}
	for _, meta := range c.AssetMetas {
		if err := writePublicKey(enc, meta.Asset); err != nil {
			return nil, err
		}
		if err := enc.WriteUint8(meta.Decimals); err != nil {
			return nil, err
		}
		if err := writePublicKey(enc, meta.Oracle); err != nil {
			return nil, err
		}
		if err := enc.WriteUint8(uint8(meta.OracleSource)); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(meta.MaxAgeSeconds, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteUint8(uint8(meta.Priority)); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(make([]byte, 3), false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
