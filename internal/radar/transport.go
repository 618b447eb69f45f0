package radar

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte-oriented duplex channel to the sensor. It has no
// framing knowledge and performs no retries.
type Transport interface {
	// Read blocks up to timeout and returns whatever arrived, possibly 0 bytes.
	Read(p []byte, timeout time.Duration) (int, error)
	// Write sends p in one go.
	Write(p []byte) (int, error)
	// FlushInput discards anything buffered on the receive side.
	FlushInput() error
	Close() error
}

// PortOptions describes the UART settings used to open the sensor port.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	DataBits int    `yaml:"data_bits" json:"dataBits"`
	StopBits int    `yaml:"stop_bits" json:"stopBits"`
	Parity   string `yaml:"parity" json:"parity"`
}

// Normalize validates the options and fills defaults. The sensor UART runs
// 8E1 at 115200 out of the box.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "E", "EVEN":
		opts.Parity = "E"
	case "N", "NONE":
		opts.Parity = "N"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into a go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialTransport is a Transport over a real UART. The port is opened by
// Connect so the process can start before the sensor is attached.
type SerialTransport struct {
	portPath string
	opts     PortOptions

	mu          sync.Mutex
	port        serial.Port
	readTimeout time.Duration
}

// NewSerialTransport creates an unopened serial transport.
func NewSerialTransport(portPath string, opts PortOptions) *SerialTransport {
	return &SerialTransport{portPath: portPath, opts: opts}
}

func (s *SerialTransport) Name() string { return "serial " + s.portPath }

// Connect opens the port. It is safe to call again after a failure.
func (s *SerialTransport) Connect() error {
	mode, err := s.opts.SerialMode()
	if err != nil {
		return err
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("radar: failed to open %s: %w", s.portPath, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[radar] reset input on %s: %v", s.portPath, err)
	}

	s.mu.Lock()
	if s.port != nil {
		s.port.Close()
	}
	s.port = port
	s.readTimeout = 0
	s.mu.Unlock()

	log.Printf("[radar] opened %s at %d baud", s.portPath, mode.BaudRate)
	return nil
}

func (s *SerialTransport) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrNotConnected
	}
	return s.port, nil
}

// Read reads with the given timeout. go.bug.st/serial returns 0, nil when
// the timeout expires with nothing received.
func (s *SerialTransport) Read(p []byte, timeout time.Duration) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	if timeout != s.readTimeout {
		if err := port.SetReadTimeout(timeout); err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.readTimeout = timeout
	}
	s.mu.Unlock()
	return port.Read(p)
}

// SetBaudRate switches the open port to a new speed, as needed after an INIT
// that selected a rate other than the one the port was opened with.
func (s *SerialTransport) SetBaudRate(rate int) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	opts := s.opts
	opts.BaudRate = rate
	mode, err := opts.SerialMode()
	if err != nil {
		return err
	}
	if err := port.SetMode(mode); err != nil {
		return fmt.Errorf("radar: set %d baud on %s: %w", rate, s.portPath, err)
	}
	s.opts = opts
	log.Printf("[radar] %s now at %d baud", s.portPath, rate)
	return nil
}

func (s *SerialTransport) Write(p []byte) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	return port.Write(p)
}

func (s *SerialTransport) FlushInput() error {
	port, err := s.current()
	if err != nil {
		return err
	}
	return port.ResetInputBuffer()
}

func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
