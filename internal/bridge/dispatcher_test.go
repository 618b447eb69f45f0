package bridge

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/vld1-bridge/internal/averager"
	"github.com/shaunagostinho/vld1-bridge/internal/radar"
	"github.com/shaunagostinho/vld1-bridge/internal/registers"
)

var fieldRun = []float64{
	1.00, 1.01, 0.99, 1.02, 1.00, 1.01, 0.98, 1.03, 1.00, 1.02,
	1.00, 1.01, 0.99, 1.00, 5.00, 1.01, 1.00, 0.99, 1.02, 1.00,
}

func packet(t *testing.T, tag radar.Tag, payload []byte) []byte {
	t.Helper()
	b, err := radar.EncodePacket(tag, payload)
	require.NoError(t, err)
	return b
}

func ok(t *testing.T) []byte { return packet(t, radar.TagResp, []byte{byte(radar.CodeOK)}) }

func point(t *testing.T, m float32, mag uint16) []byte {
	return packet(t, radar.TagPoint, radar.PointData{DistanceM: m, Magnitude: mag}.Encode())
}

// scriptedRadar replays canned NextFrame results.
type scriptedRadar struct {
	mu      sync.Mutex
	replies [][]byte
	flushes atomic.Int32
}

func (s *scriptedRadar) NextFrame(context.Context, radar.FrameRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replies) == 0 {
		return nil, &radar.TransportError{Op: "read", Err: radar.ErrTimeout}
	}
	b := s.replies[0]
	s.replies = s.replies[1:]
	return b, nil
}

func (s *scriptedRadar) Flush(context.Context) error {
	s.flushes.Add(1)
	return nil
}

func simulated(t *testing.T, distances []float64) (*radar.Engine, *radar.Simulator) {
	t.Helper()
	sim := radar.NewSimulator()
	var i int
	sim.Measure = func() (radar.PointData, bool) {
		d := 1.00
		if i < len(distances) {
			d = distances[i]
		}
		i++
		return radar.PointData{DistanceM: float32(d), Magnitude: 80}, true
	}
	e := radar.NewEngine(sim, radar.Config{
		LockTimeout:     time.Second,
		ResponseTimeout: 20 * time.Millisecond,
		StreamQuiet:     5 * time.Millisecond,
		StreamDeadline:  100 * time.Millisecond,
	})
	return e, sim
}

func TestOutlierRunThroughSensor(t *testing.T) {
	e, _ := simulated(t, fieldRun)
	bank := registers.New(registers.DefaultSize)
	d := New(e, bank, averager.DefaultConfig(), Config{})
	ctx := context.Background()

	var last Reading
	for i := range fieldRun {
		r, err := d.Poll(ctx)
		require.NoError(t, err, "poll %d", i)
		require.True(t, r.Valid, "poll %d", i)
		if fieldRun[i] == 5.00 {
			assert.False(t, r.Accepted, "outlier must not enter the batch")
			assert.Equal(t, uint16(5000), r.DistanceMM)
		}
		last = r
	}
	// The outlier was rejected, so one more sample completes the batch.
	assert.False(t, last.BatchComplete)
	assert.Zero(t, last.AverageMM)

	r, err := d.Poll(ctx)
	require.NoError(t, err)
	require.True(t, r.BatchComplete)
	assert.InDelta(t, 1.00, r.AverageM, 0.02)

	regs, _ := bank.Snapshot()
	assert.InDelta(t, 1000, int(regs[registers.Average]), 20)
	assert.Equal(t, uint16(1000), regs[registers.Distance])
	assert.Equal(t, uint16(80), regs[registers.Magnitude])
	assert.Equal(t, uint64(1), d.Batches())
}

func TestOutlierRemovedByHampel(t *testing.T) {
	e, _ := simulated(t, fieldRun)
	bank := registers.New(registers.DefaultSize)
	cfg := averager.DefaultConfig()
	cfg.MaxStep = 5
	d := New(e, bank, cfg, Config{})

	var r Reading
	for range fieldRun {
		var err error
		r, err = d.Poll(context.Background())
		require.NoError(t, err)
	}
	require.True(t, r.BatchComplete)
	assert.InDelta(t, 1.00, r.AverageM, 0.02)
	assert.Equal(t, r.AverageMM, r.Registers[registers.Average])
}

func TestAverageRegisterHoldsLastBatch(t *testing.T) {
	e, _ := simulated(t, []float64{2, 2, 2, 3, 3})
	bank := registers.New(registers.DefaultSize)
	d := New(e, bank, averager.Config{BatchSize: 3, MaxStep: 2}, Config{})

	var got []uint16
	for n := 0; n < 5; n++ {
		r, err := d.Poll(context.Background())
		require.NoError(t, err)
		got = append(got, r.Registers[registers.Average])
	}
	assert.Equal(t, []uint16{0, 0, 2000, 2000, 2000}, got)
}

func TestNoTargetWritesSentinels(t *testing.T) {
	e, sim := simulated(t, nil)
	sim.Measure = func() (radar.PointData, bool) { return radar.PointData{}, false }
	bank := registers.New(registers.DefaultSize)
	d := New(e, bank, averager.DefaultConfig(), Config{})

	r, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Equal(t, "no target", r.Status)
	assert.Equal(t, registers.Sentinels(3), r.Registers)
}

func TestNonFiniteDistanceWritesSentinels(t *testing.T) {
	for _, dist := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		e, sim := simulated(t, nil)
		sim.Measure = func() (radar.PointData, bool) {
			return radar.PointData{DistanceM: float32(dist), Magnitude: 50}, true
		}
		bank := registers.New(registers.DefaultSize)
		d := New(e, bank, averager.DefaultConfig(), Config{})

		r, err := d.Poll(context.Background())
		require.NoError(t, err)
		assert.False(t, r.Valid, "distance %v", dist)
		assert.False(t, r.Accepted)
		assert.Equal(t, "invalid distance", r.Status)
		assert.Equal(t, registers.Sentinels(3), r.Registers)
	}
}

func TestSensorErrorWritesSentinels(t *testing.T) {
	e, sim := simulated(t, nil)
	sim.Respond = func(cmd radar.Frame) ([]byte, bool) {
		return packet(t, radar.TagResp, []byte{byte(radar.CodeNoCalibration)}), true
	}
	bank := registers.New(registers.DefaultSize)
	require.NoError(t, bank.Write([]uint16{1, 2, 3}))
	d := New(e, bank, averager.DefaultConfig(), Config{})

	r, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Equal(t, radar.CodeNoCalibration.String(), r.Status)

	regs, _ := bank.Snapshot()
	assert.Equal(t, registers.Sentinels(3), regs)
}

func TestRadarFailureWritesSentinels(t *testing.T) {
	sr := &scriptedRadar{}
	bank := registers.New(registers.DefaultSize)
	d := New(sr, bank, averager.DefaultConfig(), Config{})

	r, err := d.Poll(context.Background())
	assert.ErrorIs(t, err, radar.ErrTimeout)
	assert.False(t, r.Valid)
	assert.Equal(t, registers.Sentinels(3), r.Registers)
	assert.Equal(t, r, d.Latest())
}

func TestSplitFrames(t *testing.T) {
	stream := append(ok(t), point(t, 1.5, 9)...)
	for _, size := range []int{1, 2, 5, 7, 9, 13} {
		d := New(&scriptedRadar{}, registers.New(3), averager.DefaultConfig(), Config{})

		var msgs []radar.Message
		for i := 0; i < len(stream); i += size {
			msgs = append(msgs, d.Feed(stream[i:min(i+size, len(stream))])...)
		}
		require.Len(t, msgs, 2, "chunk size %d", size)
		assert.Equal(t, radar.Status{Code: radar.CodeOK}, msgs[0])
		assert.Equal(t, radar.Point{PointData: radar.PointData{DistanceM: 1.5, Magnitude: 9}}, msgs[1])
		assert.Zero(t, d.Buffered())
	}
}

func TestOversizeHeaderResyncs(t *testing.T) {
	d := New(&scriptedRadar{}, registers.New(3), averager.DefaultConfig(), Config{})

	bad := []byte{'P', 'D', 'A', 'T', 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(bad[4:], 0x00FFFFFF)
	stream := append(bad, point(t, 2.25, 3)...)

	msgs := d.Feed(stream)
	require.Len(t, msgs, 1)
	assert.Equal(t, radar.Point{PointData: radar.PointData{DistanceM: 2.25, Magnitude: 3}}, msgs[0])
	assert.Zero(t, d.Buffered())
}

func TestWrongLengthRecordDropped(t *testing.T) {
	d := New(&scriptedRadar{}, registers.New(3), averager.DefaultConfig(), Config{})

	stream := packet(t, radar.TagParams, make([]byte, radar.ParamsSize-1))
	stream = append(stream, ok(t)...)

	msgs := d.Feed(stream)
	require.Len(t, msgs, 1)
	assert.Equal(t, radar.Status{Code: radar.CodeOK}, msgs[0])
}

func TestUnknownTagSkipped(t *testing.T) {
	sr := &scriptedRadar{replies: [][]byte{
		append(append(ok(t), packet(t, radar.Tag("DONE"), []byte{1})...), point(t, 0.5, 1)...),
	}}
	d := New(sr, registers.New(3), averager.DefaultConfig(), Config{})

	r, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.Equal(t, uint16(500), r.DistanceMM)
}

func TestStalledPartialFrameIsFlushed(t *testing.T) {
	partial := point(t, 1, 1)[:10]
	sr := &scriptedRadar{replies: [][]byte{partial}}
	d := New(sr, registers.New(3), averager.DefaultConfig(), Config{MaxStalledPolls: 3})
	ctx := context.Background()

	_, err := d.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, d.Buffered())

	_, _ = d.Poll(ctx)
	assert.Equal(t, int32(0), sr.flushes.Load())
	_, _ = d.Poll(ctx)
	assert.Equal(t, int32(1), sr.flushes.Load())
	assert.Less(t, d.Buffered(), 4)

	// The loop recovers once whole frames arrive again.
	sr.mu.Lock()
	sr.replies = [][]byte{append(ok(t), point(t, 1.25, 4)...)}
	sr.mu.Unlock()
	r, err := d.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, r.Valid)
}

func TestReconfigure(t *testing.T) {
	e, _ := simulated(t, nil)
	d := New(e, registers.New(3), averager.DefaultConfig(), Config{})
	d.Reconfigure(averager.Config{BatchSize: 2})

	r, err := d.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, r.BatchComplete)
	r, err = d.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, r.BatchComplete)
	assert.Equal(t, uint16(1000), r.AverageMM)
}

func TestRun(t *testing.T) {
	e, _ := simulated(t, nil)
	d := New(e, registers.New(3), averager.DefaultConfig(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	done := make(chan struct{})
	go func() {
		d.Run(ctx, 5*time.Millisecond, func(r Reading) {
			if n.Add(1) == 3 {
				cancel()
			}
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.GreaterOrEqual(t, n.Load(), int32(3))
	assert.True(t, d.Latest().Valid)
}
