package fulfillment

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultKeeper/internal/chain"
	"vaultKeeper/internal/layout"
)

func user(b byte) solana.PublicKey {
	var k solana.PublicKey
	k[0], k[31] = 0x30, b
	return k
}

func redemption(u byte, createdAt, shares uint64) layout.PendingRequest {
	return layout.PendingRequest{
		User:        user(u),
		Incoming:    shares,
		CreatedAt:   createdAt,
		RequestType: layout.RequestTypeRedemption,
	}
}

func TestSummarizeNoticePeriod(t *testing.T) {
	queue := layout.RequestQueue{Requests: []layout.PendingRequest{redemption(1, 1000, 10)}}
	w := Window{Notice: 60, InSeconds: true}

	for _, tc := range []struct {
		now         int64
		fulfillable int
		shares      string
	}{
		{now: 1059, fulfillable: 0, shares: "0"},
		{now: 1060, fulfillable: 0, shares: "0"},
		{now: 1061, fulfillable: 1, shares: "10"},
	} {
		s := Summarize(queue, tc.now, 0, w, 0)
		assert.Equal(t, tc.fulfillable, s.Fulfillable, "now=%d", tc.now)
		assert.Equal(t, tc.shares, s.FulfillableShares.String(), "now=%d", tc.now)
		assert.Equal(t, "10", s.OutstandingShares.String())
		assert.Zero(t, s.SoftFulfillable)
	}
}

func TestSummarizeFiltersAndOrders(t *testing.T) {
	fulfilled := redemption(2, 500, 7)
	fulfilled.FulfilledAt = 900
	subscription := redemption(3, 400, 9)
	subscription.RequestType = layout.RequestTypeSubscription

	queue := layout.RequestQueue{Requests: []layout.PendingRequest{
		redemption(4, 2000, 2_500_000),
		fulfilled,
		subscription,
		redemption(5, 1000, 1_500_000),
	}}
	s := Summarize(queue, 2100, 0, Window{Notice: 500, InSeconds: true}, 6)

	require.Len(t, s.Requests, 2)
	assert.Equal(t, user(5), s.Requests[0].User)
	assert.Equal(t, user(4), s.Requests[1].User)
	assert.Equal(t, "4", s.OutstandingShares.String())
	assert.Equal(t, 1, s.Fulfillable)
	assert.Equal(t, "1.5", s.FulfillableShares.String())
}

func TestSummarizeSlotWindowAndSoft(t *testing.T) {
	queue := layout.RequestQueue{Requests: []layout.PendingRequest{redemption(1, 100, 3), redemption(2, 150, 4)}}

	s := Summarize(queue, 0, 161, Window{Notice: 60}, 0)
	assert.Equal(t, 1, s.Fulfillable)
	assert.Zero(t, s.SoftFulfillable)

	s = Summarize(queue, 0, 161, Window{Notice: 60, Soft: true}, 0)
	assert.Equal(t, 1, s.Fulfillable)
	assert.Equal(t, 1, s.SoftFulfillable)
	assert.Equal(t, "4", s.SoftFulfillableShares.String())

	// once both are past notice nothing is left to settle early
	s = Summarize(queue, 0, 211, Window{Notice: 60, Soft: true}, 0)
	assert.Equal(t, 2, s.Fulfillable)
	assert.Zero(t, s.SoftFulfillable)
	assert.True(t, s.SoftFulfillableShares.IsZero())
}

func TestNextFulfillable(t *testing.T) {
	queue := layout.RequestQueue{Requests: []layout.PendingRequest{redemption(1, 1000, 1)}}

	w := Window{Notice: 60, InSeconds: true}
	d, ok := Summarize(queue, 1030, 0, w, 0).NextFulfillable(w, 0)
	require.True(t, ok)
	assert.Equal(t, 31*time.Second, d)

	_, ok = Summarize(queue, 1061, 0, w, 0).NextFulfillable(w, 0)
	assert.False(t, ok)

	slots := Window{Notice: 60}
	d, ok = Summarize(queue, 0, 1050, slots, 0).NextFulfillable(slots, 400)
	require.True(t, ok)
	assert.Equal(t, 11*400*time.Millisecond, d)

	_, ok = Summarize(layout.RequestQueue{}, 0, 0, slots, 0).NextFulfillable(slots, 400)
	assert.False(t, ok)
}

func TestNavRoundsHalfEven(t *testing.T) {
	nav, ok := Nav(decimal.RequireFromString("10"), decimal.RequireFromString("3"))
	require.True(t, ok)
	assert.Equal(t, "3.3333", nav.StringFixedBank(navPlaces))

	nav, _ = Nav(decimal.RequireFromString("1.00005"), decimal.NewFromInt(1))
	assert.Equal(t, "1.0000", nav.StringFixedBank(navPlaces))

	nav, _ = Nav(decimal.RequireFromString("1.00015"), decimal.NewFromInt(1))
	assert.Equal(t, "1.0002", nav.StringFixedBank(navPlaces))

	_, ok = Nav(decimal.NewFromInt(5), decimal.Zero)
	assert.False(t, ok)
}

func TestClampDelay(t *testing.T) {
	lo, hi := 5*time.Second, time.Minute
	assert.Equal(t, lo, clampDelay(time.Second, lo, hi))
	assert.Equal(t, 30*time.Second, clampDelay(30*time.Second, lo, hi))
	assert.Equal(t, hi, clampDelay(time.Hour, lo, hi))
	assert.Equal(t, lo, clampDelay(-time.Second, lo, hi))
}

func TestMedianMillisPerSlot(t *testing.T) {
	ms, err := MedianMillisPerSlot([]chain.PerformanceSample{
		{NumSlots: 150, SamplePeriodSecs: 60},
		{NumSlots: 0, SamplePeriodSecs: 60},
		{NumSlots: 120, SamplePeriodSecs: 60},
		{NumSlots: 100, SamplePeriodSecs: 60},
	})
	require.NoError(t, err)
	assert.InDelta(t, 500.0, ms, 1e-9)

	ms, err = MedianMillisPerSlot([]chain.PerformanceSample{{NumSlots: 150, SamplePeriodSecs: 60}, {NumSlots: 100, SamplePeriodSecs: 60}})
	require.NoError(t, err)
	assert.InDelta(t, 500.0, ms, 1e-9)

	_, err = MedianMillisPerSlot(nil)
	assert.Error(t, err)
}
