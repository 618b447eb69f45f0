package radar

import (
	"errors"
	"fmt"
)

var (
	ErrLockTimeout    = errors.New("radar: channel lock not acquired")
	ErrTimeout        = errors.New("radar: read timed out")
	ErrFrame          = errors.New("radar: frame error")
	ErrNoTarget       = errors.New("radar: no target detected")
	ErrPacketTooLarge = errors.New("radar: packet too large")
	ErrFrameTooLarge  = errors.New("radar: declared payload too large")
	ErrInvalidParam   = errors.New("radar: invalid parameter")
	ErrNotConnected   = errors.New("radar: not connected")
)

// TransportError is a read or write failure on the underlying channel.
type TransportError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("radar: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FrameError reports a response that arrived but did not have the expected
// shape: wrong tag, wrong payload length or too few bytes.
type FrameError struct {
	Want    Tag
	Got     Tag
	WantLen int
	GotLen  int
	Reason  string
}

func (e *FrameError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("radar: frame error waiting for %s: %s", e.Want, e.Reason)
	}
	return fmt.Sprintf("radar: frame error: got %s/%d, want %s/%d", e.Got, e.GotLen, e.Want, e.WantLen)
}

func (e *FrameError) Is(target error) bool { return target == ErrFrame }

// SensorError is a non-OK error code reported by the sensor in a valid RESP.
type SensorError struct {
	Cmd  Tag
	Code ErrorCode
}

func (e *SensorError) Error() string {
	return fmt.Sprintf("radar: %s rejected: %s", e.Cmd, e.Code)
}

// Fault is the three-way classification every engine operation result falls into.
type Fault int

const (
	FaultNone Fault = iota
	FaultLock
	FaultLink // transport or frame
	FaultSensor
	FaultInput
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultLock:
		return "lock"
	case FaultLink:
		return "link"
	case FaultSensor:
		return "sensor"
	case FaultInput:
		return "input"
	}
	return "unknown"
}

// Classify maps an engine error onto its Fault class.
func Classify(err error) Fault {
	if err == nil {
		return FaultNone
	}
	var se *SensorError
	switch {
	case errors.Is(err, ErrLockTimeout):
		return FaultLock
	case errors.As(err, &se):
		return FaultSensor
	case errors.Is(err, ErrInvalidParam), errors.Is(err, ErrPacketTooLarge):
		return FaultInput
	}
	return FaultLink
}
