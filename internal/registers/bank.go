// Package registers holds the 16-bit data area that a Modbus server exposes to
// downstream consumers.
//
// Register map used by the bridge:
//
//	0  distance, millimeters
//	1  magnitude
//	2  batch average, millimeters
//
// All three read Sentinel when there is no valid reading. Zero-fill only
// happens at startup and shutdown.
package registers

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel marks a register as "no valid reading".
const Sentinel uint16 = 0xFFFF

// DefaultSize is the number of registers the bridge writes.
const DefaultSize = 3

const (
	Distance = iota
	Magnitude
	Average
)

var ErrOutOfRange = errors.New("registers: write exceeds bank size")

// Bank is a fixed-size register area safe for concurrent use.
type Bank struct {
	mu   sync.RWMutex
	regs []uint16
	seq  uint64
}

// New creates a zero-filled bank of size registers. The bank never holds
// fewer than DefaultSize registers, the length of one published reading.
func New(size int) *Bank {
	if size < DefaultSize {
		size = DefaultSize
	}
	return &Bank{regs: make([]uint16, size)}
}

// Size returns the number of registers.
func (b *Bank) Size() int { return len(b.regs) }

// Write stores regs starting at register 0. A nil slice zero-fills the whole
// bank. Registers past len(regs) keep their value.
func (b *Bank) Write(regs []uint16) error {
	if len(regs) > len(b.regs) {
		return fmt.Errorf("%w: %d registers, bank holds %d", ErrOutOfRange, len(regs), len(b.regs))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if regs == nil {
		clear(b.regs)
	} else {
		copy(b.regs, regs)
	}
	b.seq++
	return nil
}

// Snapshot returns a copy of every register and the write sequence number.
func (b *Bank) Snapshot() ([]uint16, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint16, len(b.regs))
	copy(out, b.regs)
	return out, b.seq
}

// Sentinels returns n registers set to Sentinel.
func Sentinels(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = Sentinel
	}
	return out
}
