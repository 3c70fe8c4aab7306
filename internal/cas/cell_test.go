package cas

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotCellLastWriterWins(t *testing.T) {
	var cell SlotCell[string]

	prev, had, ok := cell.CompareAndSet(5, "five")
	require.True(t, ok)
	assert.False(t, had)
	assert.Equal(t, Observation[string]{}, prev)

	_, had, ok = cell.CompareAndSet(3, "three")
	assert.False(t, ok)
	assert.False(t, had)

	prev, had, ok = cell.CompareAndSet(7, "seven")
	require.True(t, ok)
	require.True(t, had)
	assert.Equal(t, Observation[string]{Slot: 5, Value: "five"}, prev)

	_, _, ok = cell.CompareAndSet(6, "six")
	assert.False(t, ok)

	cur, ok := cell.Load()
	require.True(t, ok)
	assert.Equal(t, uint64(7), cur.Slot)
	assert.Equal(t, "seven", cur.Value)
}

func TestSlotCellEqualSlotIsNoop(t *testing.T) {
	var cell SlotCell[int]
	cell.CompareAndSet(10, 1)
	_, _, ok := cell.CompareAndSet(10, 2)
	assert.False(t, ok)

	cur, _ := cell.Load()
	assert.Equal(t, 1, cur.Value)
}

func TestSlotCellUnsignedOrdering(t *testing.T) {
	var cell SlotCell[int]
	cell.CompareAndSet(1<<63, 1)
	_, _, ok := cell.CompareAndSet(1<<63+1, 2)
	assert.True(t, ok)
	_, _, ok = cell.CompareAndSet(5, 3)
	assert.False(t, ok)
}

func TestSlotCellConcurrentWriters(t *testing.T) {
	var cell SlotCell[uint64]
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := uint64(0); i < 1000; i++ {
				slot := i*8 + uint64(w)
				cell.CompareAndSet(slot, slot)
			}
		}(w)
	}
	wg.Wait()

	cur, ok := cell.Load()
	require.True(t, ok)
	assert.Equal(t, uint64(999*8+7), cur.Slot)
	assert.Equal(t, cur.Slot, cur.Value)
}
