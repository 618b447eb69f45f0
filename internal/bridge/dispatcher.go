// Package bridge runs the measurement loop: it requests frames from the radar,
// extracts them from the byte stream, feeds distances through the batch
// averager and publishes the result to the register bank.
package bridge

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shaunagostinho/vld1-bridge/internal/averager"
	"github.com/shaunagostinho/vld1-bridge/internal/radar"
	"github.com/shaunagostinho/vld1-bridge/internal/registers"
)

// bufferSize holds one partial frame plus one full collection.
const bufferSize = 2 * radar.MaxPacketSize

// Radar is the part of the protocol engine the loop needs.
type Radar interface {
	NextFrame(ctx context.Context, req radar.FrameRequest) ([]byte, error)
	Flush(ctx context.Context) error
}

// Config tunes the loop.
type Config struct {
	// Request is the GNFD sub-frame selection. Zero means point data only.
	Request radar.FrameRequest
	// MaxStalledPolls is how many polls a partial frame may sit in the buffer
	// without completing before it is discarded and the input flushed.
	MaxStalledPolls int
}

func (c Config) withDefaults() Config {
	if c.Request == 0 {
		c.Request = radar.RequestPointData
	}
	if c.MaxStalledPolls <= 0 {
		c.MaxStalledPolls = 3
	}
	return c
}

// Reading is the outcome of one poll.
type Reading struct {
	Time          time.Time `json:"time"`
	DistanceM     float64   `json:"distance_m"`
	DistanceMM    uint16    `json:"distance_mm"`
	Magnitude     uint16    `json:"magnitude"`
	Accepted      bool      `json:"accepted"`
	AverageM      float64   `json:"avg_m"`
	AverageMM     uint16    `json:"avg_mm"`
	BatchComplete bool      `json:"batch_complete"`
	Valid         bool      `json:"valid"`
	Status        string    `json:"status"`
	Registers     []uint16  `json:"registers"`
}

// Dispatcher owns the rolling receive buffer and the averager. Poll is meant
// to be driven from a single goroutine; the other methods may be called
// concurrently with it.
type Dispatcher struct {
	radar Radar
	bank  *registers.Bank
	cfg   Config

	mu      sync.Mutex
	avg     *averager.BatchAverager
	buf     []byte
	stalled int
	lastAvg float64 // last completed batch, meters
	latest  Reading
	batches uint64
}

// New creates a dispatcher. The average register starts at 0 and holds the
// last completed batch value from then on.
func New(r Radar, bank *registers.Bank, avgCfg averager.Config, cfg Config) *Dispatcher {
	return &Dispatcher{
		radar: r,
		bank:  bank,
		cfg:   cfg.withDefaults(),
		avg:   averager.New(avgCfg),
		buf:   make([]byte, 0, bufferSize),
	}
}

// Latest returns the most recent reading.
func (d *Dispatcher) Latest() Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest
}

// Batches returns the number of completed batches.
func (d *Dispatcher) Batches() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *Dispatcher) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Reconfigure replaces the averager. The current batch is dropped; the last
// completed average is kept.
func (d *Dispatcher) Reconfigure(cfg averager.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.avg = averager.New(cfg)
	log.Printf("[bridge] averager reconfigured: %+v", d.avg.Config())
}

// Feed appends chunk to the receive buffer and returns every complete frame
// it now holds, decoded. Frames that fail to decode are logged and dropped.
func (d *Dispatcher) Feed(chunk []byte) []radar.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.feed(chunk)
}

func (d *Dispatcher) feed(chunk []byte) []radar.Message {
	if len(d.buf)+len(chunk) > bufferSize {
		log.Printf("[bridge] receive buffer overflow (%d+%d bytes), resyncing", len(d.buf), len(chunk))
		d.resync()
		if len(d.buf)+len(chunk) > bufferSize {
			d.buf = d.buf[:0]
		}
	}
	d.buf = append(d.buf, chunk...)

	var out []radar.Message
	for {
		f, n, err := radar.ParseMessage(d.buf)
		if err != nil {
			log.Printf("[bridge] %v, resyncing", err)
			d.resync()
			continue
		}
		if n == 0 {
			break
		}
		d.buf = d.buf[:copy(d.buf, d.buf[n:])]

		msg, err := radar.Decode(f)
		if err != nil {
			log.Printf("[bridge] dropping %s frame: %v", f.Tag, err)
			continue
		}
		out = append(out, msg)
	}
	return out
}

// resync drops bytes up to the next known response tag past the buffer start.
// With no tag in sight only a possible tag prefix at the end is kept.
func (d *Dispatcher) resync() {
	i := radar.IndexTag(d.buf, 1)
	if i < 0 {
		i = len(d.buf)
		if i > 3 {
			i -= 3
		}
	}
	log.Printf("[bridge] discarding %d bytes: % X", i, d.buf[:i])
	d.buf = d.buf[:copy(d.buf, d.buf[i:])]
	d.stalled = 0
}

// Poll runs one iteration: request a frame, dispatch what arrived and write
// the registers. The returned error is the radar failure, if any; the
// registers are already set to sentinels in that case.
func (d *Dispatcher) Poll(ctx context.Context) (Reading, error) {
	raw, err := d.radar.NextFrame(ctx, d.cfg.Request)

	d.mu.Lock()
	r := Reading{Time: time.Now()}
	var flush bool
	if err != nil {
		r.Status = err.Error()
		flush = d.noteStall(false)
	} else {
		msgs := d.feed(raw)
		flush = d.noteStall(len(msgs) > 0)
		d.dispatch(msgs, &r)
	}
	d.publish(&r)
	d.latest = r
	d.mu.Unlock()

	if err != nil && !errors.Is(err, radar.ErrTimeout) {
		log.Printf("[bridge] poll: %v", err)
	}
	if flush {
		if ferr := d.radar.Flush(ctx); ferr != nil {
			log.Printf("[bridge] flush: %v", ferr)
		}
	}
	return r, err
}

// noteStall tracks a partial frame that is not completing. It reports whether
// the input should be flushed.
func (d *Dispatcher) noteStall(progress bool) bool {
	if progress || len(d.buf) == 0 {
		d.stalled = 0
		return false
	}
	d.stalled++
	if d.stalled < d.cfg.MaxStalledPolls {
		return false
	}
	log.Printf("[bridge] partial %q frame stalled for %d polls", d.buf[:min(4, len(d.buf))], d.stalled)
	d.resync()
	return true
}

// dispatch applies one pass worth of frames to r. A non-OK status or the
// absence of point data leaves r invalid.
func (d *Dispatcher) dispatch(msgs []radar.Message, r *Reading) {
	var point, bad, failed bool
	for _, m := range msgs {
		switch m := m.(type) {
		case radar.Status:
			if m.Code != radar.CodeOK {
				log.Printf("[bridge] sensor reported %s", m.Code)
				r.Status = m.Code.String()
				failed = true
			}
		case radar.Point:
			if d.sample(m.PointData, r) {
				point = true
			} else {
				bad = true
			}
		case radar.NoTarget:
		case radar.Version:
			log.Printf("[bridge] firmware %q announced", m.Firmware)
		case radar.ParamRecord:
			log.Printf("[bridge] parameter report: %+v", m.Params)
		case radar.Unknown:
			log.Printf("[bridge] skipping unknown %q frame (%d bytes)", string(m.Raw), len(m.Payload))
		}
	}
	switch {
	case failed:
	case point:
		r.Valid = true
		r.Status = "ok"
	case bad:
		r.Status = "invalid distance"
	default:
		r.Status = "no target"
	}
}

// sample feeds one point to the averager. A non-finite distance is logged and
// reported as false so the pass publishes sentinels.
func (d *Dispatcher) sample(pd radar.PointData, r *Reading) bool {
	m := float64(pd.DistanceM)
	if math.IsNaN(m) || math.IsInf(m, 0) {
		log.Printf("[bridge] discarding non-finite distance %v", m)
		return false
	}
	r.DistanceM = m
	r.DistanceMM = averager.Quantize(m)
	r.Magnitude = pd.Magnitude
	r.Accepted = d.avg.AddSample(m)
	if !d.avg.IsComplete() {
		return true
	}
	d.lastAvg = d.avg.AverageMeters()
	d.batches++
	r.BatchComplete = true
	log.Printf("[bridge] batch %d complete: %.4f m (%d mm)", d.batches, d.lastAvg, d.avg.AverageMillimeters())
	d.avg.Reset()
	return true
}

// publish writes r to the register bank: [distance_mm, magnitude, avg_mm]
// when valid, sentinels otherwise.
func (d *Dispatcher) publish(r *Reading) {
	r.AverageM = d.lastAvg
	r.AverageMM = averager.Quantize(d.lastAvg)

	regs := registers.Sentinels(d.bank.Size())
	if r.Valid {
		regs = []uint16{r.DistanceMM, r.Magnitude, r.AverageMM}
	}
	if err := d.bank.Write(regs); err != nil {
		log.Printf("[bridge] register write: %v", err)
	}
	r.Registers, _ = d.bank.Snapshot()
}

// Run polls every interval until ctx is cancelled. onReading, when set, is
// called with every reading.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, onReading func(Reading)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[bridge] polling every %v", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r, _ := d.Poll(ctx)
			if onReading != nil {
				onReading(r)
			}
		}
	}
}
