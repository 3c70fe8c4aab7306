// Package fulfillment watches a vault's redemption queue and fulfills
// requests once their notice period has elapsed.
package fulfillment

import (
	"math/big"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"vaultKeeper/internal/layout"
)

// Request is one unfulfilled redemption.
type Request struct {
	User      solana.PublicKey
	CreatedAt uint64
	Shares    decimal.Decimal
}

// Summary is the state of a redemption queue at one instant.
type Summary struct {
	EpochSeconds      int64
	Slot              uint64
	Requests          []Request
	OutstandingShares decimal.Decimal

	// Fulfillable counts requests past the notice period.
	Fulfillable       int
	FulfillableShares decimal.Decimal

	// SoftFulfillable counts requests still inside the notice period that
	// the vault may settle early.
	SoftFulfillable       int
	SoftFulfillableShares decimal.Decimal
}

// Window describes how a vault measures its notice period.
type Window struct {
	Notice    uint64
	InSeconds bool
	// Soft marks a vault that allows redemptions before the notice elapses.
	Soft bool
}

// elapsed is how far now is past createdAt in the window's unit.
func (w Window) elapsed(epochSeconds int64, slot uint64, createdAt uint64) int64 {
	if w.InSeconds {
		return epochSeconds - int64(createdAt)
	}
	return int64(slot) - int64(createdAt)
}

// fulfillable reports whether a request created at createdAt is past notice.
func (w Window) fulfillable(epochSeconds int64, slot uint64, createdAt uint64) bool {
	return w.elapsed(epochSeconds, slot, createdAt) > int64(w.Notice)
}

// Summarize reduces a queue to its unfulfilled redemptions. Share amounts
// are scaled by shareDecimals.
func Summarize(queue layout.RequestQueue, epochSeconds int64, slot uint64, w Window, shareDecimals uint8) Summary {
	s := Summary{
		EpochSeconds:          epochSeconds,
		Slot:                  slot,
		OutstandingShares:     decimal.Zero,
		FulfillableShares:     decimal.Zero,
		SoftFulfillableShares: decimal.Zero,
	}
	for _, r := range queue.Requests {
		if r.RequestType != layout.RequestTypeRedemption || r.FulfilledAt != 0 {
			continue
		}
		s.Requests = append(s.Requests, Request{
			User:      r.User,
			CreatedAt: r.CreatedAt,
			Shares:    decimal.NewFromBigInt(new(big.Int).SetUint64(r.Incoming), -int32(shareDecimals)),
		})
	}
	sort.SliceStable(s.Requests, func(i, j int) bool { return s.Requests[i].CreatedAt < s.Requests[j].CreatedAt })

	for _, r := range s.Requests {
		s.OutstandingShares = s.OutstandingShares.Add(r.Shares)
		switch {
		case w.fulfillable(epochSeconds, slot, r.CreatedAt):
			s.Fulfillable++
			s.FulfillableShares = s.FulfillableShares.Add(r.Shares)
		case w.Soft:
			s.SoftFulfillable++
			s.SoftFulfillableShares = s.SoftFulfillableShares.Add(r.Shares)
		}
	}
	return s
}

// HasOutstanding reports whether any redemption is pending.
func (s Summary) HasOutstanding() bool {
	return len(s.Requests) > 0
}

// NextFulfillable returns how long until the oldest request that is not
// yet fulfillable becomes so. It returns false when no such request exists.
// msPerSlot converts slot windows to wall time.
func (s Summary) NextFulfillable(w Window, msPerSlot float64) (time.Duration, bool) {
	for _, r := range s.Requests {
		if w.fulfillable(s.EpochSeconds, s.Slot, r.CreatedAt) {
			continue
		}
		// one unit past the notice
		remaining := int64(w.Notice) + 1 - w.elapsed(s.EpochSeconds, s.Slot, r.CreatedAt)
		if w.InSeconds {
			return time.Duration(remaining) * time.Second, true
		}
		return time.Duration(float64(remaining) * msPerSlot * float64(time.Millisecond)), true
	}
	return 0, false
}
