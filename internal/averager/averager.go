// Package averager turns the noisy per-frame distance stream into one robust
// value per batch: a step limiter, a Hampel filter and a trimmed mean over a
// fixed ring buffer.
package averager

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// madScale makes the median absolute deviation comparable to a Gaussian
// standard deviation.
const madScale = 1.4826

// Config tunes the averager. Zero fields take the defaults. A negative
// TrimFraction disables trimming.
type Config struct {
	BatchSize       int     `yaml:"batch_size" json:"batchSize"`
	MaxStep         float64 `yaml:"max_step" json:"maxStep"`                 // meters
	HampelThreshold float64 `yaml:"hampel_threshold" json:"hampelThreshold"` // in scaled MADs
	TrimFraction    float64 `yaml:"trim_fraction" json:"trimFraction"`       // per end, 0..0.5
}

// DefaultConfig returns the tuning used in the field.
func DefaultConfig() Config {
	return Config{
		BatchSize:       20,
		MaxStep:         0.5,
		HampelThreshold: 3.0,
		TrimFraction:    0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxStep <= 0 {
		c.MaxStep = d.MaxStep
	}
	if c.HampelThreshold <= 0 {
		c.HampelThreshold = d.HampelThreshold
	}
	switch {
	case c.TrimFraction < 0:
		c.TrimFraction = 0
	case c.TrimFraction == 0 || c.TrimFraction >= 0.5:
		c.TrimFraction = d.TrimFraction
	}
	return c
}

// BatchAverager is not safe for concurrent use; the dispatcher owns it.
type BatchAverager struct {
	cfg Config

	ring   []float64
	cursor int
	count  int // accepted samples since reset, saturates at capacity

	last    float64
	hasLast bool

	avg float64
}

// New creates an averager with capacity cfg.BatchSize.
func New(cfg Config) *BatchAverager {
	cfg = cfg.withDefaults()
	return &BatchAverager{
		cfg:  cfg,
		ring: make([]float64, cfg.BatchSize),
	}
}

// Config returns the effective tuning.
func (a *BatchAverager) Config() Config { return a.cfg }

// AddSample offers one distance in meters. It reports whether the sample was
// accepted into the buffer.
func (a *BatchAverager) AddSample(x float64) bool {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return false
	}
	if a.hasLast && math.Abs(x-a.last) > a.cfg.MaxStep {
		return false
	}
	a.last, a.hasLast = x, true

	a.ring[a.cursor] = x
	a.cursor = (a.cursor + 1) % len(a.ring)
	if a.count < len(a.ring) {
		a.count++
	}
	if a.count == len(a.ring) {
		a.avg = robustMean(a.chronological(), a.cfg.HampelThreshold, a.cfg.TrimFraction)
	}
	return true
}

// IsComplete reports whether a full batch has been accepted since the last reset.
func (a *BatchAverager) IsComplete() bool { return a.count == len(a.ring) }

// Len is the number of buffered samples.
func (a *BatchAverager) Len() int { return a.count }

// AverageMeters returns the cached robust average, 0 before the first full batch.
func (a *BatchAverager) AverageMeters() float64 { return a.avg }

// AverageMillimeters is the register value for the cached average.
func (a *BatchAverager) AverageMillimeters() uint16 { return Quantize(a.avg) }

// Reset empties the buffer and forgets the last accepted sample. Tuning is kept.
func (a *BatchAverager) Reset() {
	clear(a.ring)
	a.cursor = 0
	a.count = 0
	a.last, a.hasLast = 0, false
	a.avg = 0
}

// chronological returns the buffered samples oldest first.
func (a *BatchAverager) chronological() []float64 {
	out := make([]float64, 0, a.count)
	if a.count < len(a.ring) {
		return append(out, a.ring[:a.count]...)
	}
	out = append(out, a.ring[a.cursor:]...)
	return append(out, a.ring[:a.cursor]...)
}

// Quantize converts meters to millimeters, rounding half up and clamping to
// the u16 register range.
func Quantize(m float64) uint16 {
	if math.IsNaN(m) {
		return 0
	}
	mm := math.Floor(m*1000 + 0.5)
	switch {
	case mm < 0:
		return 0
	case mm > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(mm)
}

func robustMean(samples []float64, threshold, trim float64) float64 {
	kept := hampel(samples, threshold)
	sort.Float64s(kept)

	k := int(math.Floor(trim * float64(len(kept))))
	if 2*k >= len(kept) {
		return median(kept)
	}
	return stat.Mean(kept[k:len(kept)-k], nil)
}

// hampel drops samples further than threshold scaled MADs from the median.
// A zero MAD keeps everything.
func hampel(samples []float64, threshold float64) []float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	med := median(sorted)

	dev := make([]float64, len(samples))
	for i, x := range samples {
		dev[i] = math.Abs(x - med)
	}
	sort.Float64s(dev)
	mad := median(dev)
	if mad == 0 {
		return append([]float64(nil), samples...)
	}

	limit := threshold * madScale * mad
	kept := make([]float64, 0, len(samples))
	for _, x := range samples {
		if math.Abs(x-med) <= limit {
			kept = append(kept, x)
		}
	}
	return kept
}

// median of an already sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
