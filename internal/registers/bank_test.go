package registers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	b := New(DefaultSize)

	require.NoError(t, b.Write([]uint16{1000, 70, 995}))
	regs, seq := b.Snapshot()
	assert.Equal(t, []uint16{1000, 70, 995}, regs)
	assert.Equal(t, uint64(1), seq)

	require.NoError(t, b.Write([]uint16{7}))
	regs, _ = b.Snapshot()
	assert.Equal(t, []uint16{7, 70, 995}, regs)
}

func TestWriteOutOfRange(t *testing.T) {
	b := New(DefaultSize)
	require.NoError(t, b.Write([]uint16{1, 2, 3}))

	err := b.Write([]uint16{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrOutOfRange)

	regs, seq := b.Snapshot()
	assert.Equal(t, []uint16{1, 2, 3}, regs, "a rejected write must not change the bank")
	assert.Equal(t, uint64(1), seq)
}

func TestNilZeroFills(t *testing.T) {
	b := New(DefaultSize)
	require.NoError(t, b.Write(Sentinels(DefaultSize)))
	regs, _ := b.Snapshot()
	assert.Equal(t, []uint16{Sentinel, Sentinel, Sentinel}, regs)

	require.NoError(t, b.Write(nil))
	regs, _ = b.Snapshot()
	assert.Equal(t, []uint16{0, 0, 0}, regs)
}

func TestSnapshotIsCopy(t *testing.T) {
	b := New(DefaultSize)
	regs, _ := b.Snapshot()
	regs[0] = 42

	again, _ := b.Snapshot()
	assert.Zero(t, again[0])
}

func TestMinimumSize(t *testing.T) {
	for _, size := range []int{-1, 0, 1, 2} {
		b := New(size)
		assert.Equal(t, DefaultSize, b.Size(), "New(%d)", size)
		assert.NoError(t, b.Write([]uint16{1000, 70, 995}), "a full reading must fit")
	}
	assert.Equal(t, 5, New(5).Size())
}

func TestConcurrentWriters(t *testing.T) {
	b := New(DefaultSize)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint16) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				_ = b.Write([]uint16{v, v, v})
				regs, _ := b.Snapshot()
				if regs[0] != regs[1] || regs[1] != regs[2] {
					t.Errorf("torn write: %v", regs)
				}
			}
		}(uint16(i))
	}
	wg.Wait()

	_, seq := b.Snapshot()
	assert.Equal(t, uint64(800), seq)
}
