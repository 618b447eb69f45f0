package radar

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config holds the engine's timing bounds. No wait in the engine is unbounded.
type Config struct {
	// LockTimeout bounds how long an operation waits for the channel.
	LockTimeout time.Duration
	// ResponseTimeout bounds each blocking frame read (RESP, VERS, RPST, PDAT).
	ResponseTimeout time.Duration
	// StreamQuiet is the per-read silence that ends a NextFrame collection.
	StreamQuiet time.Duration
	// StreamDeadline caps one NextFrame collection.
	StreamDeadline time.Duration
}

// DefaultConfig returns the timings used against the real sensor.
func DefaultConfig() Config {
	return Config{
		LockTimeout:     500 * time.Millisecond,
		ResponseTimeout: 100 * time.Millisecond,
		StreamQuiet:     20 * time.Millisecond,
		StreamDeadline:  250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.StreamQuiet <= 0 {
		c.StreamQuiet = d.StreamQuiet
	}
	if c.StreamDeadline <= 0 {
		c.StreamDeadline = d.StreamDeadline
	}
	return c
}

// Engine frames commands, pairs them with their responses and owns the single
// lock on the half-duplex channel. The protocol has no correlation id, so the
// lock covers every frame of an exchange: a command and all of its responses.
type Engine struct {
	t   Transport
	cfg Config

	// sem is the channel lock. A weighted semaphore is used so acquisition can
	// give up after LockTimeout.
	sem *semaphore.Weighted

	// paramsMu guards only the snapshot so readers never wait on the channel.
	paramsMu sync.RWMutex
	params   Params
	version  string
}

// NewEngine creates an engine over t. The snapshot starts at DefaultParams
// until the first INIT/GRPS exchange replaces it.
func NewEngine(t Transport, cfg Config) *Engine {
	return &Engine{
		t:      t,
		cfg:    cfg.withDefaults(),
		sem:    semaphore.NewWeighted(1),
		params: DefaultParams(),
	}
}

// Params returns the current parameter snapshot.
func (e *Engine) Params() Params {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.params
}

// Version returns the firmware string from the last INIT.
func (e *Engine) Version() string {
	e.paramsMu.RLock()
	defer e.paramsMu.RUnlock()
	return e.version
}

func (e *Engine) acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	defer cancel()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w after %v: %v", ErrLockTimeout, e.cfg.LockTimeout, err)
	}
	return nil
}

func (e *Engine) release() { e.sem.Release(1) }

// send writes header and payload in a single transport write. Oversized
// packets fail without touching the transport.
func (e *Engine) send(tag Tag, payload []byte) error {
	buf, err := EncodePacket(tag, payload)
	if err != nil {
		log.Printf("[radar] send %s: %v", tag, err)
		return err
	}
	n, err := e.t.Write(buf)
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if n != len(buf) {
		return &TransportError{Op: "write", Err: fmt.Errorf("short write %d/%d bytes", n, len(buf))}
	}
	return nil
}

// readExact reads exactly len(buf) bytes before timeout elapses. It returns
// the number of bytes read so callers can tell silence from a short frame.
func (e *Engine) readExact(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return got, &TransportError{Op: "read", Err: ErrTimeout}
		}
		n, err := e.t.Read(buf[got:], remaining)
		if err != nil {
			return got, &TransportError{Op: "read", Err: err}
		}
		got += n
	}
	return got, nil
}

// shortRead converts a timed-out partial read into a frame error. Silence and
// hard I/O failures stay transport errors.
func shortRead(want Tag, got, size int, err error) error {
	if got > 0 && errors.Is(err, ErrTimeout) {
		return &FrameError{Want: want, Reason: fmt.Sprintf("short read %d/%d bytes", got, size)}
	}
	return err
}

// awaitStatus reads the RESP frame that follows every command. A malformed
// frame is a FrameError; a well-formed non-OK code is a SensorError.
func (e *Engine) awaitStatus(cmd Tag) error {
	buf := make([]byte, respFrameSize)
	n, err := e.readExact(buf, e.cfg.ResponseTimeout)
	if err != nil {
		log.Printf("[radar] %s: awaiting RESP: %v (% X)", cmd, err, buf[:n])
		return shortRead(TagResp, n, respFrameSize, err)
	}
	f, _, _ := ParseMessage(buf)
	if f.Tag != TagResp || len(f.Payload) != 1 {
		log.Printf("[radar] %s: invalid RESP frame: % X", cmd, buf)
		return &FrameError{Want: TagResp, Got: Tag(buf[:4]), WantLen: 1, GotLen: int(binary.LittleEndian.Uint32(buf[4:HeaderSize]))}
	}
	code := ErrorCode(f.Payload[0])
	if code != CodeOK {
		log.Printf("[radar] %s RESP: %s", cmd, code)
		return &SensorError{Cmd: cmd, Code: code}
	}
	return nil
}

// readHeader reads one frame header and checks its tag. It returns the
// declared payload length.
func (e *Engine) readHeader(want Tag) (int, error) {
	hdr := make([]byte, HeaderSize)
	n, err := e.readExact(hdr, e.cfg.ResponseTimeout)
	if err != nil {
		return 0, shortRead(want, n, HeaderSize, err)
	}
	if got := Tag(hdr[:4]); got != want {
		log.Printf("[radar] expected %s, got header % X", want, hdr)
		return 0, &FrameError{Want: want, Got: got, Reason: fmt.Sprintf("unexpected tag %q", string(got))}
	}
	size := binary.LittleEndian.Uint32(hdr[4:])
	if size > MaxPayloadSize {
		return 0, &FrameError{Want: want, Got: want, Reason: fmt.Sprintf("declared payload %d exceeds %d", size, MaxPayloadSize)}
	}
	return int(size), nil
}

// readFrame reads a follow-up frame that must carry exactly size payload bytes.
func (e *Engine) readFrame(want Tag, size int) ([]byte, error) {
	n, err := e.readHeader(want)
	if err != nil {
		return nil, err
	}
	if n != size {
		log.Printf("[radar] %s payload length %d, want %d", want, n, size)
		return nil, &FrameError{Want: want, Got: want, WantLen: size, GotLen: n}
	}
	payload := make([]byte, size)
	got, err := e.readExact(payload, e.cfg.ResponseTimeout)
	if err != nil {
		return nil, shortRead(want, got, size, err)
	}
	return payload, nil
}

// exchange runs one full round trip under the lock: send, RESP, then any
// follow-up frames read by follow. The lock is held until follow returns.
func (e *Engine) exchange(ctx context.Context, cmd Tag, payload []byte, follow func() error) error {
	if err := e.acquire(ctx); err != nil {
		log.Printf("[radar] %s: %v", cmd, err)
		return err
	}
	defer e.release()

	if err := e.send(cmd, payload); err != nil {
		return err
	}
	if err := e.awaitStatus(cmd); err != nil {
		return err
	}
	if follow != nil {
		return follow()
	}
	return nil
}

// Init opens a session at the given baud code and returns the firmware version.
func (e *Engine) Init(ctx context.Context, baud Baud) (string, error) {
	var fw string
	err := e.exchange(ctx, TagInit, []byte{byte(baud)}, func() error {
		b, err := e.readFrame(TagVersion, VersionSize)
		if err != nil {
			return err
		}
		fw = cString(b)
		e.paramsMu.Lock()
		e.version = fw
		e.params.FirmwareVersion = fw
		e.paramsMu.Unlock()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("radar: init: %w", err)
	}
	log.Printf("[radar] session open, firmware %q", fw)
	return fw, nil
}

// SetParams writes the full record with SRPS. On success the snapshot is
// replaced wholesale.
func (e *Engine) SetParams(ctx context.Context, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	payload, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if err := e.exchange(ctx, TagSetParams, payload, nil); err != nil {
		return fmt.Errorf("radar: set parameters: %w", err)
	}
	e.paramsMu.Lock()
	e.params = p
	e.paramsMu.Unlock()
	log.Printf("[radar] parameters updated")
	return nil
}

// ReadParams fetches the full record with GRPS. The snapshot is only replaced
// when the RPST frame has the right tag and exact length.
func (e *Engine) ReadParams(ctx context.Context) (Params, error) {
	var p Params
	err := e.exchange(ctx, TagGetParams, nil, func() error {
		b, err := e.readFrame(TagParams, ParamsSize)
		if err != nil {
			return err
		}
		return p.UnmarshalBinary(b)
	})
	if err != nil {
		return Params{}, fmt.Errorf("radar: read parameters: %w", err)
	}
	e.paramsMu.Lock()
	e.params = p
	e.paramsMu.Unlock()
	return p, nil
}

// setScalar sends a single-field command and applies it to the snapshot once
// the sensor acknowledges it.
func (e *Engine) setScalar(ctx context.Context, cmd Tag, payload []byte, apply func(*Params)) error {
	if err := e.exchange(ctx, cmd, payload, nil); err != nil {
		return fmt.Errorf("radar: %s: %w", cmd, err)
	}
	e.paramsMu.Lock()
	apply(&e.params)
	e.paramsMu.Unlock()
	return nil
}

func u16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }

func (e *Engine) SetDistanceRange(ctx context.Context, r DistanceRange) error {
	if r > Range50m {
		return fmt.Errorf("%w: distance_range %d", ErrInvalidParam, r)
	}
	return e.setScalar(ctx, TagRange, []byte{byte(r)}, func(p *Params) { p.DistanceRange = r })
}

func (e *Engine) SetThresholdOffset(ctx context.Context, db uint8) error {
	return e.setScalar(ctx, TagThreshold, []byte{db}, func(p *Params) { p.ThresholdOffset = db })
}

func (e *Engine) SetMinRangeFilter(ctx context.Context, bins uint16) error {
	return e.setScalar(ctx, TagMinRange, u16(bins), func(p *Params) { p.MinRangeFilter = bins })
}

func (e *Engine) SetMaxRangeFilter(ctx context.Context, bins uint16) error {
	return e.setScalar(ctx, TagMaxRange, u16(bins), func(p *Params) { p.MaxRangeFilter = bins })
}

func (e *Engine) SetTargetFilter(ctx context.Context, f TargetFilter) error {
	if f > TargetFarthest {
		return fmt.Errorf("%w: target_filter %d", ErrInvalidParam, f)
	}
	return e.setScalar(ctx, TagTarget, []byte{byte(f)}, func(p *Params) { p.TargetFilter = f })
}

func (e *Engine) SetPrecision(ctx context.Context, m Precision) error {
	if m > PrecisionHigh {
		return fmt.Errorf("%w: distance_precision %d", ErrInvalidParam, m)
	}
	return e.setScalar(ctx, TagPrecision, []byte{byte(m)}, func(p *Params) { p.DistancePrecision = m })
}

func (e *Engine) SetTxPower(ctx context.Context, power uint8) error {
	return e.setScalar(ctx, TagTxPower, []byte{power}, func(p *Params) { p.TxPower = power })
}

func (e *Engine) SetChirpIntegration(ctx context.Context, count uint8) error {
	return e.setScalar(ctx, TagChirps, []byte{count}, func(p *Params) { p.ChirpIntegrationCount = count })
}

func (e *Engine) SetShortRangeFilter(ctx context.Context, s ShortRangeFilter) error {
	if s > ShortRangeEnabled {
		return fmt.Errorf("%w: short_range_distance_filter %d", ErrInvalidParam, s)
	}
	return e.setScalar(ctx, TagShortRange, []byte{byte(s)}, func(p *Params) { p.ShortRangeFilter = s })
}

// Exit ends the sensor session with GBYE.
func (e *Engine) Exit(ctx context.Context) error {
	if err := e.exchange(ctx, TagExit, nil, nil); err != nil {
		return fmt.Errorf("radar: exit: %w", err)
	}
	return nil
}

// PointData requests one measurement and waits for its PDAT frame. Silence
// after RESP OK means the sensor has no target and returns ErrNoTarget.
func (e *Engine) PointData(ctx context.Context) (PointData, error) {
	var pd PointData
	err := e.exchange(ctx, TagNextFrame, []byte{byte(RequestPointData)}, func() error {
		n, err := e.readHeader(TagPoint)
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) && errors.Is(err, ErrTimeout) {
				return ErrNoTarget
			}
			return err
		}
		if n == 0 {
			return ErrNoTarget
		}
		if n != PointSize {
			return &FrameError{Want: TagPoint, Got: TagPoint, WantLen: PointSize, GotLen: n}
		}
		b := make([]byte, PointSize)
		got, err := e.readExact(b, e.cfg.ResponseTimeout)
		if err != nil {
			return shortRead(TagPoint, got, PointSize, err)
		}
		pd, err = DecodePoint(b)
		return err
	})
	if err != nil {
		return PointData{}, err
	}
	return pd, nil
}

// NextFrame sends GNFD and collects the raw response bytes, all under one
// lock acquisition. The bytes (RESP followed by the requested sub-frames) are
// left for the caller to parse incrementally.
//
// For a point data request the collection ends as soon as the answer is
// whole: a non-OK RESP, or an OK RESP followed by PDAT. Otherwise it ends
// after ResponseTimeout of silence, which is how a missing target shows up.
// Requests for sub-frames the engine cannot recognise end after StreamQuiet.
func (e *Engine) NextFrame(ctx context.Context, req FrameRequest) ([]byte, error) {
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	if err := e.send(TagNextFrame, []byte{byte(req)}); err != nil {
		return nil, err
	}

	bounded := req&^(RequestPointData|RequestDone) == 0
	out := make([]byte, 0, MaxPacketSize)
	buf := make([]byte, MaxPacketSize)
	deadline := time.Now().Add(e.cfg.StreamDeadline)
	wait := e.cfg.ResponseTimeout
	for len(out) < MaxPacketSize && time.Now().Before(deadline) {
		n, err := e.t.Read(buf[:MaxPacketSize-len(out)], wait)
		if err != nil {
			return out, &TransportError{Op: "read", Err: err}
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
		if !bounded {
			wait = e.cfg.StreamQuiet
		} else if answered(out, req) {
			break
		}
	}
	if len(out) == 0 {
		return nil, &TransportError{Op: "read", Err: ErrTimeout}
	}
	return out, nil
}

// answered reports whether raw holds the sensor's whole reply to req. A frame
// that cannot be parsed counts as an answer; the caller resyncs.
func answered(raw []byte, req FrameRequest) bool {
	var status, point bool
	for len(raw) > 0 {
		f, n, err := ParseMessage(raw)
		if err != nil {
			return true
		}
		if n == 0 {
			return false
		}
		raw = raw[n:]
		switch f.Tag {
		case TagResp:
			if len(f.Payload) == 1 && ErrorCode(f.Payload[0]) != CodeOK {
				return true
			}
			status = true
		case TagPoint:
			point = true
		}
	}
	return status && (point || req&RequestPointData == 0)
}

// Flush discards pending input under the lock. This is the only recovery
// from a desynchronized stream; the engine never does it on its own.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	if err := e.t.FlushInput(); err != nil {
		return &TransportError{Op: "flush", Err: err}
	}
	return nil
}
