package radar

import (
	"encoding/binary"
	"math"
)

// PointSize is the PDAT payload length when a target is present.
const PointSize = 6

// PointData is one PDAT measurement.
type PointData struct {
	DistanceM float32 `json:"distance_m"`
	Magnitude uint16  `json:"magnitude"`
}

// DecodePoint decodes a 6-byte PDAT payload.
func DecodePoint(b []byte) (PointData, error) {
	if len(b) != PointSize {
		return PointData{}, &FrameError{Want: TagPoint, Got: TagPoint, WantLen: PointSize, GotLen: len(b)}
	}
	return PointData{
		DistanceM: math.Float32frombits(binary.LittleEndian.Uint32(b[0:4])),
		Magnitude: binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

// Encode returns the 6-byte PDAT payload.
func (p PointData) Encode() []byte {
	b := make([]byte, PointSize)
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(p.DistanceM))
	binary.LittleEndian.PutUint16(b[4:6], p.Magnitude)
	return b
}

// Message is a decoded response frame. The set of implementations is closed:
// Status, Version, ParamRecord, Point, NoTarget and Unknown.
type Message interface {
	Tag() Tag
	message()
}

// Status is a RESP frame.
type Status struct{ Code ErrorCode }

// Version is a VERS frame.
type Version struct{ Firmware string }

// ParamRecord is an RPST frame.
type ParamRecord struct{ Params Params }

// Point is a PDAT frame carrying a target.
type Point struct{ PointData }

// NoTarget is a PDAT frame with no measurement in it.
type NoTarget struct{}

// Unknown is any frame whose tag is not a known response.
type Unknown struct {
	Raw     Tag
	Payload []byte
}

func (Status) Tag() Tag      { return TagResp }
func (Version) Tag() Tag     { return TagVersion }
func (ParamRecord) Tag() Tag { return TagParams }
func (Point) Tag() Tag       { return TagPoint }
func (NoTarget) Tag() Tag    { return TagPoint }
func (u Unknown) Tag() Tag   { return u.Raw }

func (Status) message()      {}
func (Version) message()     {}
func (ParamRecord) message() {}
func (Point) message()       {}
func (NoTarget) message()    {}
func (Unknown) message()     {}

// Decode turns a frame into its Message variant. Known tags with a payload
// length that does not match their fixed layout return a FrameError.
func Decode(f Frame) (Message, error) {
	switch f.Tag {
	case TagResp:
		if len(f.Payload) != 1 {
			return nil, &FrameError{Want: TagResp, Got: f.Tag, WantLen: 1, GotLen: len(f.Payload)}
		}
		return Status{Code: ErrorCode(f.Payload[0])}, nil
	case TagVersion:
		if len(f.Payload) != VersionSize {
			return nil, &FrameError{Want: TagVersion, Got: f.Tag, WantLen: VersionSize, GotLen: len(f.Payload)}
		}
		return Version{Firmware: cString(f.Payload)}, nil
	case TagParams:
		var p Params
		if err := p.UnmarshalBinary(f.Payload); err != nil {
			return nil, err
		}
		return ParamRecord{Params: p}, nil
	case TagPoint:
		if len(f.Payload) < PointSize {
			return NoTarget{}, nil
		}
		pd, err := DecodePoint(f.Payload[:PointSize])
		if err != nil {
			return nil, err
		}
		return Point{pd}, nil
	}
	return Unknown{Raw: f.Tag, Payload: f.Payload}, nil
}
