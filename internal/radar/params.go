package radar

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ParamsSize is the exact wire size of the SRPS/RPST record.
const ParamsSize = 43

// DistanceRange selects the measurement span.
type DistanceRange uint8

const (
	Range20m DistanceRange = 0
	Range50m DistanceRange = 1
)

// TargetFilter selects which detection is reported.
type TargetFilter uint8

const (
	TargetStrongest TargetFilter = 0
	TargetNearest   TargetFilter = 1
	TargetFarthest  TargetFilter = 2
)

// Precision selects the distance precision mode.
type Precision uint8

const (
	PrecisionLow  Precision = 0
	PrecisionHigh Precision = 1
)

// ShortRangeFilter toggles the short range distance filter.
type ShortRangeFilter uint8

const (
	ShortRangeDisabled ShortRangeFilter = 0
	ShortRangeEnabled  ShortRangeFilter = 1
)

// Params is the radar parameter record. It is both the SRPS/RPST payload and
// the in-memory configuration snapshot.
//
// Layout (little-endian, no padding):
//
//	 0  firmware_version [19]
//	19  unique_id [12]
//	31  distance_range u8
//	32  threshold_offset u8
//	33  min_range_filter u16
//	35  max_range_filter u16
//	37  distance_avg_count u8
//	38  target_filter u8
//	39  distance_precision u8
//	40  tx_power u8
//	41  chirp_integration_count u8
//	42  short_range_distance_filter u8
type Params struct {
	FirmwareVersion       string           `json:"firmware_version"`
	UniqueID              string           `json:"unique_id"`
	DistanceRange         DistanceRange    `json:"distance_range"`
	ThresholdOffset       uint8            `json:"threshold_offset"`
	MinRangeFilter        uint16           `json:"min_range_filter"`
	MaxRangeFilter        uint16           `json:"max_range_filter"`
	DistanceAvgCount      uint8            `json:"distance_avg_count"`
	TargetFilter          TargetFilter     `json:"target_filter"`
	DistancePrecision     Precision        `json:"distance_precision"`
	TxPower               uint8            `json:"tx_power"`
	ChirpIntegrationCount uint8            `json:"chirp_integration_count"`
	ShortRangeFilter      ShortRangeFilter `json:"short_range_distance_filter"`
}

const (
	firmwareVersionLen = 19
	uniqueIDLen        = 12
)

// DefaultParams returns the factory record the sensor ships with.
func DefaultParams() Params {
	return Params{
		FirmwareVersion:       "V-LD1_APP-RFB-YYX",
		UniqueID:              "L1234n12345",
		DistanceRange:         Range20m,
		ThresholdOffset:       40,
		MinRangeFilter:        5,
		MaxRangeFilter:        460,
		DistanceAvgCount:      5,
		TargetFilter:          TargetStrongest,
		DistancePrecision:     PrecisionLow,
		TxPower:               31,
		ChirpIntegrationCount: 1,
		ShortRangeFilter:      ShortRangeDisabled,
	}
}

// Validate checks enum ranges and string lengths before anything is sent.
func (p Params) Validate() error {
	switch {
	case len(p.FirmwareVersion) > firmwareVersionLen:
		return fmt.Errorf("%w: firmware_version longer than %d bytes", ErrInvalidParam, firmwareVersionLen)
	case len(p.UniqueID) > uniqueIDLen:
		return fmt.Errorf("%w: unique_id longer than %d bytes", ErrInvalidParam, uniqueIDLen)
	case p.DistanceRange > Range50m:
		return fmt.Errorf("%w: distance_range %d", ErrInvalidParam, p.DistanceRange)
	case p.TargetFilter > TargetFarthest:
		return fmt.Errorf("%w: target_filter %d", ErrInvalidParam, p.TargetFilter)
	case p.DistancePrecision > PrecisionHigh:
		return fmt.Errorf("%w: distance_precision %d", ErrInvalidParam, p.DistancePrecision)
	case p.ShortRangeFilter > ShortRangeEnabled:
		return fmt.Errorf("%w: short_range_distance_filter %d", ErrInvalidParam, p.ShortRangeFilter)
	}
	return nil
}

// MarshalBinary encodes the record in its fixed wire layout. Strings are
// truncated to their field width and NUL padded.
func (p Params) MarshalBinary() ([]byte, error) {
	b := make([]byte, ParamsSize)
	copy(b[0:19], p.FirmwareVersion)
	copy(b[19:31], p.UniqueID)
	b[31] = byte(p.DistanceRange)
	b[32] = p.ThresholdOffset
	binary.LittleEndian.PutUint16(b[33:35], p.MinRangeFilter)
	binary.LittleEndian.PutUint16(b[35:37], p.MaxRangeFilter)
	b[37] = p.DistanceAvgCount
	b[38] = byte(p.TargetFilter)
	b[39] = byte(p.DistancePrecision)
	b[40] = p.TxPower
	b[41] = p.ChirpIntegrationCount
	b[42] = byte(p.ShortRangeFilter)
	return b, nil
}

// UnmarshalBinary decodes an exact ParamsSize record.
func (p *Params) UnmarshalBinary(b []byte) error {
	if len(b) != ParamsSize {
		return &FrameError{Want: TagParams, Got: TagParams, WantLen: ParamsSize, GotLen: len(b)}
	}
	*p = Params{
		FirmwareVersion:       cString(b[0:19]),
		UniqueID:              cString(b[19:31]),
		DistanceRange:         DistanceRange(b[31]),
		ThresholdOffset:       b[32],
		MinRangeFilter:        binary.LittleEndian.Uint16(b[33:35]),
		MaxRangeFilter:        binary.LittleEndian.Uint16(b[35:37]),
		DistanceAvgCount:      b[37],
		TargetFilter:          TargetFilter(b[38]),
		DistancePrecision:     Precision(b[39]),
		TxPower:               b[40],
		ChirpIntegrationCount: b[41],
		ShortRangeFilter:      ShortRangeFilter(b[42]),
	}
	return nil
}

// cString trims a fixed-width field at its first NUL. The field is not
// guaranteed to be terminated.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
