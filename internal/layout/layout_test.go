package layout

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0] = b
	k[31] = b
	return k
}

func TestDecodeGlobalConfig(t *testing.T) {
	cfg := GlobalConfig{
		Admin:      key(1),
		BaseFeeBps: 10,
		FlowFeeBps: 25,
		AssetMetas: []AssetMeta{
			{Asset: key(2), Decimals: 6, Oracle: key(3), OracleSource: OracleSourceQuoteAsset, MaxAgeSeconds: 60, Priority: 0},
			{Asset: key(4), Decimals: 9, Oracle: key(5), OracleSource: OracleSourcePythPull, MaxAgeSeconds: 30, Priority: -2},
		},
	}
	data, err := cfg.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, DiscriminatorLength+3*32+4+4+2*AssetMetaSize)

	got, err := DecodeGlobalConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestDecodeGlobalConfigUnknownOracleSource(t *testing.T) {
	cfg := GlobalConfig{AssetMetas: []AssetMeta{{Asset: key(2), Oracle: key(3)}}}
	data, err := cfg.MarshalBinary()
	require.NoError(t, err)

	// oracle source tag of the first entry
	off := DiscriminatorLength + 3*32 + 4 + 4 + 32 + 1 + 32
	data[off] = 200

	_, err = DecodeGlobalConfig(data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown oracle source tag 200")
}

func TestDecodeGlobalConfigRejectsWrongDiscriminator(t *testing.T) {
	data, err := GlobalConfig{}.MarshalBinary()
	require.NoError(t, err)
	data[0] ^= 0xff

	_, err = DecodeGlobalConfig(data)
	require.Error(t, err)
}

func TestDecodeGlobalConfigTruncatedVec(t *testing.T) {
	cfg := GlobalConfig{AssetMetas: []AssetMeta{{Asset: key(2), Oracle: key(3)}}}
	data, err := cfg.MarshalBinary()
	require.NoError(t, err)

	_, err = DecodeGlobalConfig(data[:len(data)-10])
	require.Error(t, err)
}

func TestRequestQueueDecode(t *testing.T) {
	q := RequestQueue{
		Mint: key(9),
		Requests: []PendingRequest{
			{User: key(1), Incoming: 10, CreatedAt: 1000, TimeUnit: TimeUnitSecond, RequestType: RequestTypeRedemption},
			{User: key(2), Incoming: 7, CreatedAt: 1200, FulfilledAt: 1300, TimeUnit: TimeUnitSecond, RequestType: RequestTypeSubscription},
		},
	}
	data, err := q.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, DiscriminatorLength+32+4+2*PendingRequestSize)

	got, err := DecodeRequestQueue(data)
	require.NoError(t, err)
	assert.Equal(t, q, got)
}

func TestDecodeTokenAccountAndMint(t *testing.T) {
	acct := make([]byte, TokenAccountSize)
	copy(acct[0:32], key(7).Bytes())
	copy(acct[32:64], key(8).Bytes())
	binary.LittleEndian.PutUint64(acct[64:72], 123456)

	ta, err := DecodeTokenAccount(acct)
	require.NoError(t, err)
	assert.Equal(t, key(7), ta.Mint)
	assert.Equal(t, key(8), ta.Owner)
	assert.Equal(t, uint64(123456), ta.Amount)

	_, err = DecodeTokenAccount(acct[:100])
	require.Error(t, err)

	mint := make([]byte, MintSize)
	binary.LittleEndian.PutUint64(mint[36:44], 5_000_000)
	mint[44] = 6
	m, err := DecodeMint(mint)
	require.NoError(t, err)
	assert.Equal(t, Mint{Supply: 5_000_000, Decimals: 6}, m)
}

func TestDecodeClock(t *testing.T) {
	data := make([]byte, ClockSize)
	binary.LittleEndian.PutUint64(data[0:8], 250_000_000)
	binary.LittleEndian.PutUint64(data[16:24], 580)
	binary.LittleEndian.PutUint64(data[32:40], 1_700_000_000)

	c, err := DecodeClock(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000_000), c.Slot)
	assert.Equal(t, uint64(580), c.Epoch)
	assert.Equal(t, int64(1_700_000_000), c.UnixTimestamp)
}

func TestMarketLayoutDecode(t *testing.T) {
	l := MarketLayout{
		Name:              "spot market",
		Discriminator:     AccountDiscriminator("SpotMarket"),
		PubkeyOffset:      8,
		OracleOffset:      40,
		MarketIndexOffset: 72,
		PoolIDOffset:      74,
	}
	data := make([]byte, 80)
	copy(data, l.Discriminator[:])
	copy(data[8:40], key(1).Bytes())
	copy(data[40:72], key(2).Bytes())
	binary.LittleEndian.PutUint16(data[72:74], 47)
	data[74] = 4

	ctx, err := l.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MarketContext{PoolID: 4, MarketIndex: 47, Market: key(1), Oracle: key(2)}, ctx)

	_, err = l.Decode(data[:60])
	require.Error(t, err)
}

func TestOracleSourceWhitelist(t *testing.T) {
	rejected := []OracleSource{
		OracleSourcePyth, OracleSourceSwitchboard, OracleSourcePyth1K, OracleSourcePyth1M,
		OracleSourcePythStableCoin, OracleSourcePrelaunch, OracleSourceNotSet,
	}
	for _, s := range rejected {
		assert.False(t, s.Supported(), s.String())
	}
	for tag := uint8(0); tag <= uint8(OracleSourceChainlinkRWA); tag++ {
		s, err := ParseOracleSource(tag)
		require.NoError(t, err)
		named, err := OracleSourceFromName(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, named)
	}
	_, err := ParseOracleSource(uint8(OracleSourceChainlinkRWA) + 1)
	require.Error(t, err)
}

func TestDecodeStakePoolMint(t *testing.T) {
	data := make([]byte, 611)
	data[0] = StakePoolAccountType
	mint := key(7)
	copy(data[162:], mint[:])

	got, err := DecodeStakePoolMint(data)
	require.NoError(t, err)
	assert.Equal(t, mint, got)

	// validator list accounts share the program
	data[0] = 2
	_, err = DecodeStakePoolMint(data)
	assert.ErrorContains(t, err, "account type 2")

	_, err = DecodeStakePoolMint(data[:100])
	assert.Error(t, err)
}

func TestDecodeVenueUser(t *testing.T) {
	data := NewVenueUserData(key(1))
	VenueSpotPosition(data, 0, 0, 1_000)
	VenueSpotPosition(data, 3, 5, 42)
	VenuePerpPosition(data, 1, 2, -3)
	VenuePerpPosition(data, 7, 9, 0)
	// an open order alone keeps a perp market in use
	binary.LittleEndian.PutUint16(data[venuePerpOffset+4*venuePerpSize+venuePerpIndexOffset:], 11)
	data[venuePerpOffset+4*venuePerpSize+venuePerpOrdersOffset] = 1

	u, err := DecodeVenueUser(data)
	require.NoError(t, err)
	assert.Equal(t, key(1), u.Authority)
	assert.Equal(t, []uint16{0, 5}, u.SpotMarkets)
	assert.Equal(t, []uint16{2, 11}, u.PerpMarkets)

	_, err = DecodeVenueUser(data[:VenueUserMinSize-1])
	assert.ErrorContains(t, err, "need")

	data[0] ^= 0xff
	_, err = DecodeVenueUser(data)
	assert.ErrorContains(t, err, "discriminator mismatch")
}
