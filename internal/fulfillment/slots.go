package fulfillment

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"vaultKeeper/internal/chain"
)

const (
	defaultMillisPerSlot = 400.0
	performanceSamples   = 30
)

// SlotClock estimates wall time per slot.
type SlotClock interface {
	MillisPerSlot(ctx context.Context) (float64, error)
}

// PerformanceSampler is the RPC call behind SampledSlotClock.
type PerformanceSampler interface {
	GetRecentPerformanceSamples(ctx context.Context, limit int) ([]chain.PerformanceSample, error)
}

// SampledSlotClock takes the median slot duration over recent performance
// samples and caches it for TTL.
type SampledSlotClock struct {
	sampler PerformanceSampler
	ttl     time.Duration

	mu      sync.Mutex
	value   float64
	fetched time.Time
}

func NewSampledSlotClock(sampler PerformanceSampler, ttl time.Duration) *SampledSlotClock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SampledSlotClock{sampler: sampler, ttl: ttl}
}

func (c *SampledSlotClock) MillisPerSlot(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value > 0 && time.Since(c.fetched) < c.ttl {
		return c.value, nil
	}
	samples, err := c.sampler.GetRecentPerformanceSamples(ctx, performanceSamples)
	if err != nil {
		if c.value > 0 {
			return c.value, nil
		}
		return 0, err
	}
	ms, err := MedianMillisPerSlot(samples)
	if err != nil {
		return 0, err
	}
	c.value, c.fetched = ms, time.Now()
	return ms, nil
}

// MedianMillisPerSlot is the median of samplePeriod / numSlots.
func MedianMillisPerSlot(samples []chain.PerformanceSample) (float64, error) {
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.NumSlots == 0 {
			continue
		}
		values = append(values, float64(s.SamplePeriodSecs)*1000/float64(s.NumSlots))
	}
	if len(values) == 0 {
		return 0, errors.New("no usable performance samples")
	}
	slices.Sort(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid], nil
	}
	return (values[mid-1] + values[mid]) / 2, nil
}
