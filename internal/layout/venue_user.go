package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Venue user accounts hold fixed arrays of spot and perp positions after
// the authority, delegate and name fields.
const (
	VenueUserPositions    = 8
	venueSpotOffset       = DiscriminatorLength + 3*32
	venueSpotSize         = 40
	venueSpotIndexOffset  = 32
	venueSpotOrdersOffset = 35
	venuePerpOffset       = venueSpotOffset + VenueUserPositions*venueSpotSize
	venuePerpSize         = 184
	venuePerpBaseOffset   = 8
	venuePerpQuoteOffset  = 16
	venuePerpLPOffset     = 64
	venuePerpIndexOffset  = 92
	venuePerpOrdersOffset = 94
	VenueUserMinSize      = venuePerpOffset + VenueUserPositions*venuePerpSize
)

var venueUserDiscriminator = AccountDiscriminator("User")

// VenueUser lists the markets a venue sub-account has open positions in.
type VenueUser struct {
	Authority   solana.PublicKey
	SpotMarkets []uint16
	PerpMarkets []uint16
}

// DecodeVenueUser reads the market indexes of every non-empty position.
func DecodeVenueUser(data []byte) (VenueUser, error) {
	if err := checkDiscriminator(data, venueUserDiscriminator, "venue user"); err != nil {
		return VenueUser{}, err
	}
	if len(data) < VenueUserMinSize {
		return VenueUser{}, fmt.Errorf("venue user: %d bytes, need %d", len(data), VenueUserMinSize)
	}
	u := VenueUser{Authority: solana.PublicKeyFromBytes(data[DiscriminatorLength : DiscriminatorLength+32])}
	le := binary.LittleEndian
	for i := 0; i < VenueUserPositions; i++ {
		off := venueSpotOffset + i*venueSpotSize
		if le.Uint64(data[off:]) != 0 || data[off+venueSpotOrdersOffset] != 0 {
			u.SpotMarkets = append(u.SpotMarkets, le.Uint16(data[off+venueSpotIndexOffset:]))
		}
	}
	for i := 0; i < VenueUserPositions; i++ {
		off := venuePerpOffset + i*venuePerpSize
		if le.Uint64(data[off+venuePerpBaseOffset:]) != 0 ||
			le.Uint64(data[off+venuePerpQuoteOffset:]) != 0 ||
			le.Uint64(data[off+venuePerpLPOffset:]) != 0 ||
			data[off+venuePerpOrdersOffset] != 0 {
			u.PerpMarkets = append(u.PerpMarkets, le.Uint16(data[off+venuePerpIndexOffset:]))
		}
	}
	return u, nil
}

// VenueSpotPosition writes one spot position into a user account buffer.
func VenueSpotPosition(data []byte, slot int, marketIndex uint16, scaledBalance uint64) {
	off := venueSpotOffset + slot*venueSpotSize
	binary.LittleEndian.PutUint64(data[off:], scaledBalance)
	binary.LittleEndian.PutUint16(data[off+venueSpotIndexOffset:], marketIndex)
}

// VenuePerpPosition writes one perp position into a user account buffer.
func VenuePerpPosition(data []byte, slot int, marketIndex uint16, baseAssetAmount int64) {
	off := venuePerpOffset + slot*venuePerpSize
	binary.LittleEndian.PutUint64(data[off+venuePerpBaseOffset:], uint64(baseAssetAmount))
	binary.LittleEndian.PutUint16(data[off+venuePerpIndexOffset:], marketIndex)
}

// NewVenueUserData returns an empty user account of the minimum size.
func NewVenueUserData(authority solana.PublicKey) []byte {
	data := make([]byte, VenueUserMinSize)
	copy(data, venueUserDiscriminator[:])
	copy(data[DiscriminatorLength:], authority[:])
	return data
}
