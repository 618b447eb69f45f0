package radar

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePacketRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		tag     Tag
		payload []byte
	}{
		{"no payload", TagGetParams, nil},
		{"one byte", TagNextFrame, []byte{byte(RequestPointData)}},
		{"u16", TagMinRange, []byte{0x05, 0x00}},
		{"max payload", TagSetParams, bytes.Repeat([]byte{0xA5}, MaxPayloadSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt, err := EncodePacket(tt.tag, tt.payload)
			require.NoError(t, err)
			require.Len(t, pkt, HeaderSize+len(tt.payload))
			assert.Equal(t, uint32(len(tt.payload)), binary.LittleEndian.Uint32(pkt[4:8]))

			f, n, err := ParseMessage(pkt)
			require.NoError(t, err)
			assert.Equal(t, len(pkt), n)
			assert.Equal(t, tt.tag, f.Tag)
			assert.Equal(t, len(tt.payload), len(f.Payload))
			if len(tt.payload) > 0 {
				assert.Equal(t, tt.payload, f.Payload)
			}
		})
	}
}

func TestEncodePacketTooLarge(t *testing.T) {
	_, err := EncodePacket(TagSetParams, make([]byte, MaxPayloadSize+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPacketTooLarge))

	_, err = EncodePacket(Tag("TOOLONG"), nil)
	assert.Error(t, err)
}

func TestParseMessageNeedsMoreData(t *testing.T) {
	pkt, err := EncodePacket(TagPoint, PointData{DistanceM: 1.5, Magnitude: 70}.Encode())
	require.NoError(t, err)

	for split := 0; split <= len(pkt); split++ {
		first, second := pkt[:split], pkt[split:]

		_, n, err := ParseMessage(first)
		require.NoError(t, err)
		if split < len(pkt) {
			assert.Zero(t, n, "split at %d should wait for more bytes", split)
		}

		buf := append(append([]byte{}, first...), second...)
		f, n, err := ParseMessage(buf)
		require.NoError(t, err)
		assert.Equal(t, len(pkt), n)
		assert.Equal(t, TagPoint, f.Tag)
	}
}

func TestParseMessageLeavesTrailingBytes(t *testing.T) {
	a, _ := EncodePacket(TagResp, []byte{0})
	b, _ := EncodePacket(TagPoint, PointData{DistanceM: 2, Magnitude: 1}.Encode())
	buf := append(append([]byte{}, a...), b[:5]...)

	f, n, err := ParseMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, len(a), n)
	assert.Equal(t, TagResp, f.Tag)

	_, n, err = ParseMessage(buf[n:])
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseMessageOversizeHeader(t *testing.T) {
	hdr := []byte{'P', 'D', 'A', 'T', 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(hdr[4:], 1<<20)

	_, n, err := ParseMessage(hdr)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestIndexTag(t *testing.T) {
	buf := []byte("xxRESxxPDAT\x06\x00")
	assert.Equal(t, 7, IndexTag(buf, 0))
	assert.Equal(t, -1, IndexTag(buf, 8))
	assert.Equal(t, -1, IndexTag([]byte("RES"), 0))
}

func TestDecode(t *testing.T) {
	params, _ := DefaultParams().MarshalBinary()
	fw := make([]byte, VersionSize)
	copy(fw, "V-LD1_APP-RFB-0102")

	tests := []struct {
		name    string
		frame   Frame
		want    Message
		wantErr bool
	}{
		{"status", Frame{TagResp, []byte{2}}, Status{Code: CodeInvalidParamValue}, false},
		{"status bad length", Frame{TagResp, []byte{0, 0}}, nil, true},
		{"version", Frame{TagVersion, fw}, Version{Firmware: "V-LD1_APP-RFB-0102"}, false},
		{"version bad length", Frame{TagVersion, fw[:10]}, nil, true},
		{"params", Frame{TagParams, params}, ParamRecord{Params: DefaultParams()}, false},
		{"params off by one", Frame{TagParams, params[:ParamsSize-1]}, nil, true},
		{"point", Frame{TagPoint, PointData{DistanceM: 1.25, Magnitude: 64}.Encode()}, Point{PointData{DistanceM: 1.25, Magnitude: 64}}, false},
		{"empty point", Frame{TagPoint, nil}, NoTarget{}, false},
		{"unknown", Frame{Tag("DONE"), []byte{1, 2, 3, 4}}, Unknown{Raw: "DONE", Payload: []byte{1, 2, 3, 4}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.frame)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrFrame)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.frame.Tag, got.Tag())
		})
	}
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "OK", CodeOK.String())
	assert.Equal(t, "timeout", CodeTimeout.String())
	assert.Equal(t, "unknown error code 42", ErrorCode(42).String())
}

func TestBaudFromRate(t *testing.T) {
	b, err := BaudFromRate(921600)
	require.NoError(t, err)
	assert.Equal(t, Baud921600, b)

	_, err = BaudFromRate(9600)
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FaultNone, Classify(nil))
	assert.Equal(t, FaultLock, Classify(ErrLockTimeout))
	assert.Equal(t, FaultSensor, Classify(&SensorError{Cmd: TagTxPower, Code: CodeInvalidParamValue}))
	assert.Equal(t, FaultLink, Classify(&FrameError{Want: TagResp}))
	assert.Equal(t, FaultLink, Classify(&TransportError{Op: "read", Err: ErrTimeout}))
	assert.Equal(t, FaultInput, Classify(ErrInvalidParam))
}
