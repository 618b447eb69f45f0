package radar

import (
	"encoding/binary"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Simulator is an in-process sensor that speaks the wire protocol. It
// implements Transport and is used for demo mode and tests.
type Simulator struct {
	mu      sync.Mutex
	params  Params
	in      []byte // partial command bytes written by the host
	out     []byte // response bytes waiting to be read
	t       float64
	rng     *rand.Rand
	session bool
	closed  bool

	// Measure, when set, supplies the next GNFD measurement. Returning false
	// means no target: the PDAT frame is omitted.
	Measure func() (PointData, bool)

	// Respond, when set, may replace the reply to a command. It returns the
	// raw bytes to queue and true to override the built-in behaviour.
	Respond func(cmd Frame) ([]byte, bool)

	// MaxChunk limits how many bytes one Read returns. Zero means no limit.
	MaxChunk int

	// NoTargetRate is the fraction of demo measurements reported as no target.
	NoTargetRate float64
}

// NewSimulator creates a simulated sensor with factory parameters.
func NewSimulator() *Simulator {
	return &Simulator{
		params:       DefaultParams(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		NoTargetRate: 0.05,
	}
}

func (s *Simulator) Name() string { return "Demo (Simulated)" }

// Connect reopens a closed simulator with its buffers cleared.
func (s *Simulator) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	s.in, s.out = nil, nil
	return nil
}

// SensorParams returns the record the simulated sensor currently holds.
func (s *Simulator) SensorParams() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// InSession reports whether INIT has been seen without a following GBYE.
func (s *Simulator) InSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Pending returns the number of response bytes not yet read by the host.
func (s *Simulator) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

// Inject queues raw bytes as if the sensor had sent them unprompted.
func (s *Simulator) Inject(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, b...)
}

func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("simulator closed")
	}

	s.in = append(s.in, p...)
	for {
		f, n, err := ParseMessage(s.in)
		if err != nil {
			// A sensor drops a header it cannot buffer and reports a UART error.
			s.in = s.in[:0]
			s.queue(TagResp, []byte{byte(CodeUARTError)})
			break
		}
		if n == 0 {
			break
		}
		s.in = s.in[n:]
		s.handle(f)
	}
	return len(p), nil
}

func (s *Simulator) Read(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.New("simulator closed")
	}
	if len(s.out) == 0 {
		s.mu.Unlock()
		time.Sleep(min(timeout, 2*time.Millisecond))
		return 0, nil
	}
	defer s.mu.Unlock()

	limit := len(p)
	if s.MaxChunk > 0 && s.MaxChunk < limit {
		limit = s.MaxChunk
	}
	n := copy(p[:limit], s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *Simulator) FlushInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) queue(tag Tag, payload []byte) {
	pkt, err := EncodePacket(tag, payload)
	if err != nil {
		log.Printf("[sim] %v", err)
		return
	}
	s.out = append(s.out, pkt...)
}

func (s *Simulator) status(code ErrorCode) { s.queue(TagResp, []byte{byte(code)}) }

// handle produces the reply for one command. Must be called with mu held.
func (s *Simulator) handle(f Frame) {
	if s.Respond != nil {
		if b, ok := s.Respond(f); ok {
			s.out = append(s.out, b...)
			return
		}
	}

	switch f.Tag {
	case TagInit:
		if len(f.Payload) != 1 || Baud(f.Payload[0]) > Baud2000000 {
			s.status(CodeInvalidParamValue)
			return
		}
		s.session = true
		s.status(CodeOK)
		fw := make([]byte, VersionSize)
		copy(fw, s.params.FirmwareVersion)
		s.queue(TagVersion, fw)

	case TagSetParams:
		var p Params
		if err := p.UnmarshalBinary(f.Payload); err != nil {
			s.status(CodeInvalidRPSTVersion)
			return
		}
		if p.Validate() != nil || p.MinRangeFilter > p.MaxRangeFilter {
			s.status(CodeInvalidParamValue)
			return
		}
		s.params = p
		s.status(CodeOK)

	case TagGetParams:
		s.status(CodeOK)
		b, _ := s.params.MarshalBinary()
		s.queue(TagParams, b)

	case TagExit:
		s.session = false
		s.status(CodeOK)

	case TagNextFrame:
		if len(f.Payload) != 1 {
			s.status(CodeInvalidParamValue)
			return
		}
		s.status(CodeOK)
		if FrameRequest(f.Payload[0])&RequestPointData != 0 {
			if pd, ok := s.measure(); ok {
				s.queue(TagPoint, pd.Encode())
			}
		}

	case TagRange, TagThreshold, TagTarget, TagPrecision, TagTxPower, TagChirps, TagShortRange:
		if len(f.Payload) != 1 {
			s.status(CodeInvalidParamValue)
			return
		}
		s.status(s.setByte(f.Tag, f.Payload[0]))

	case TagMinRange, TagMaxRange:
		if len(f.Payload) != 2 {
			s.status(CodeInvalidParamValue)
			return
		}
		v := binary.LittleEndian.Uint16(f.Payload)
		if f.Tag == TagMinRange {
			if v > s.params.MaxRangeFilter {
				s.status(CodeInvalidParamValue)
				return
			}
			s.params.MinRangeFilter = v
		} else {
			if v < s.params.MinRangeFilter || v > 511 {
				s.status(CodeInvalidParamValue)
				return
			}
			s.params.MaxRangeFilter = v
		}
		s.status(CodeOK)

	default:
		s.status(CodeUnknownCommand)
	}
}

func (s *Simulator) setByte(tag Tag, v uint8) ErrorCode {
	p := s.params
	switch tag {
	case TagRange:
		p.DistanceRange = DistanceRange(v)
	case TagThreshold:
		if v < 20 || v > 90 {
			return CodeInvalidParamValue
		}
		p.ThresholdOffset = v
	case TagTarget:
		p.TargetFilter = TargetFilter(v)
	case TagPrecision:
		p.DistancePrecision = Precision(v)
	case TagTxPower:
		if v > 31 {
			return CodeInvalidParamValue
		}
		p.TxPower = v
	case TagChirps:
		if v == 0 {
			return CodeInvalidParamValue
		}
		p.ChirpIntegrationCount = v
	case TagShortRange:
		p.ShortRangeFilter = ShortRangeFilter(v)
	}
	if p.Validate() != nil {
		return CodeInvalidParamValue
	}
	s.params = p
	return CodeOK
}

// measure produces a slowly moving target with a little noise, dropping
// out now and then.
func (s *Simulator) measure() (PointData, bool) {
	if s.Measure != nil {
		return s.Measure()
	}
	s.t += 0.05
	if s.rng.Float64() < s.NoTargetRate {
		return PointData{}, false
	}
	d := 2.0 + 0.5*math.Sin(s.t*0.3) + (s.rng.Float64()-0.5)*0.01
	mag := uint16(60 + 15*math.Cos(s.t*0.2) + s.rng.Float64()*3)
	return PointData{DistanceM: float32(d), Magnitude: mag}, true
}
