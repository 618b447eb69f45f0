package radar

import (
	"encoding/binary"
	"fmt"
)

// Tag is the 4-byte ASCII command/response identifier that starts every packet.
// Tags are compared by exact byte match and are not null-terminated on the wire.
type Tag string

// Commands sent by the host.
const (
	TagInit       Tag = "INIT" // Initialize session, payload selects baud rate
	TagSetParams  Tag = "SRPS" // Set full radar parameter record
	TagRange      Tag = "RRAI" // Distance range
	TagThreshold  Tag = "THOF" // Threshold offset (dB)
	TagMinRange   Tag = "MIRA" // Minimum range filter (bins)
	TagMaxRange   Tag = "MARA" // Maximum range filter (bins)
	TagTarget     Tag = "TGFI" // Target filter
	TagPrecision  Tag = "PREC" // Distance precision
	TagTxPower    Tag = "TXPW" // TX power
	TagChirps     Tag = "INTN" // Chirp integration count
	TagShortRange Tag = "SRDF" // Short range distance filter
	TagExit       Tag = "GBYE" // End session
	TagGetParams  Tag = "GRPS" // Get full radar parameter record
	TagNextFrame  Tag = "GNFD" // Request next data frame
)

// Responses sent by the sensor.
const (
	TagResp    Tag = "RESP" // 1-byte error code, sent after every command
	TagVersion Tag = "VERS" // Firmware version, sent after INIT
	TagParams  Tag = "RPST" // Full parameter record, sent after GRPS
	TagPoint   Tag = "PDAT" // Distance + magnitude, omitted when no target
)

const (
	// HeaderSize is the tag plus the little-endian u32 payload length.
	HeaderSize = 8

	// MaxPacketSize bounds header+payload for anything sent or accepted.
	MaxPacketSize = 512

	// MaxPayloadSize is the largest payload that fits in one packet.
	MaxPayloadSize = MaxPacketSize - HeaderSize

	// VersionSize is the fixed VERS payload length.
	VersionSize = 19

	respFrameSize = HeaderSize + 1
)

// knownResponses is the closed set of tags the sensor sends.
var knownResponses = []Tag{TagResp, TagVersion, TagParams, TagPoint}

// Baud selects the sensor UART speed in the INIT payload.
type Baud uint8

const (
	Baud115200  Baud = 0
	Baud460800  Baud = 1
	Baud921600  Baud = 2
	Baud2000000 Baud = 3
)

// BaudFromRate maps a numeric baud rate to its INIT code.
func BaudFromRate(rate int) (Baud, error) {
	switch rate {
	case 115200:
		return Baud115200, nil
	case 460800:
		return Baud460800, nil
	case 921600:
		return Baud921600, nil
	case 2000000:
		return Baud2000000, nil
	}
	return 0, fmt.Errorf("%w: unsupported baud rate %d", ErrInvalidParam, rate)
}

// FrameRequest is the GNFD payload: a bit set of sub-frames to send back.
type FrameRequest uint8

const (
	RequestRawADC    FrameRequest = 1 << 0
	RequestFFT       FrameRequest = 1 << 1
	RequestPointData FrameRequest = 1 << 2
	RequestDone      FrameRequest = 1 << 5
)

// ErrorCode is the single payload byte of a RESP frame.
type ErrorCode uint8

const (
	CodeOK ErrorCode = iota
	CodeUnknownCommand
	CodeInvalidParamValue
	CodeInvalidRPSTVersion
	CodeUARTError
	CodeNoCalibration
	CodeTimeout
	CodeAppCorrupt
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeUnknownCommand:
		return "unknown command"
	case CodeInvalidParamValue:
		return "invalid parameter value"
	case CodeInvalidRPSTVersion:
		return "invalid RPST version"
	case CodeUARTError:
		return "UART error (parity, framing, noise)"
	case CodeNoCalibration:
		return "no calibration values"
	case CodeTimeout:
		return "timeout"
	case CodeAppCorrupt:
		return "application corrupt or not programmed"
	default:
		return fmt.Sprintf("unknown error code %d", uint8(c))
	}
}

// Frame is one complete tag+length+payload unit extracted from the wire.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// EncodePacket builds header and payload into a single buffer.
func EncodePacket(tag Tag, payload []byte) ([]byte, error) {
	if len(tag) != 4 {
		return nil, fmt.Errorf("radar: invalid tag %q", string(tag))
	}
	total := HeaderSize + len(payload)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrPacketTooLarge, tag, total, MaxPacketSize)
	}
	buf := make([]byte, total)
	copy(buf[:4], tag)
	binary.LittleEndian.PutUint32(buf[4:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// ParseMessage extracts one frame from the start of buf without doing any I/O.
//
// It returns a consumed count of 0 when buf holds fewer than HeaderSize bytes or
// when the declared payload has not fully arrived; the caller should wait for
// more bytes. Otherwise it returns the frame and the total bytes it occupies.
// ErrFrameTooLarge is returned when the header declares a payload that can never
// fit in a packet.
func ParseMessage(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, nil
	}
	tag := Tag(buf[:4])
	n := binary.LittleEndian.Uint32(buf[4:HeaderSize])
	if n > MaxPayloadSize {
		return Frame{Tag: tag}, 0, fmt.Errorf("%w: %s declares %d payload bytes", ErrFrameTooLarge, tag, n)
	}
	total := HeaderSize + int(n)
	if len(buf) < total {
		return Frame{Tag: tag}, 0, nil
	}
	payload := make([]byte, n)
	copy(payload, buf[HeaderSize:total])
	return Frame{Tag: tag, Payload: payload}, total, nil
}

// IndexTag returns the offset of the first known response tag in buf at or
// after from, or -1.
func IndexTag(buf []byte, from int) int {
	for i := from; i+4 <= len(buf); i++ {
		for _, t := range knownResponses {
			if string(buf[i:i+4]) == string(t) {
				return i
			}
		}
	}
	return -1
}
