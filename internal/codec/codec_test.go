package codec

import (
	"testing"

	"github.com/sigurn/crc16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// QPIGS with its CRC16/XMODEM checksum and terminator, captured from real
// device traffic.
var encodedQPIGS = []byte{'Q', 'P', 'I', 'G', 'S', 0xb7, 0xa9, '\r'}

func TestEncodeCommand(t *testing.T) {
	c := New(DefaultParams())

	chunks, err := c.Encode("QPIGS")
	require.NoError(t, err)

	// The 8-byte wire message fits in one 7-byte payload chunk plus the
	// terminator chunk, followed by the end-of-stream report.
	require.Len(t, chunks, 3)
	assert.Equal(t, append([]byte{7}, encodedQPIGS[:7]...), chunks[0])
	assert.Equal(t, []byte{1, '\r', 0, 0, 0, 0, 0, 0}, chunks[1])
	assert.Equal(t, make([]byte, 8), chunks[2])
}

func TestEncodeDeterministic(t *testing.T) {
	c := New(DefaultParams())

	first, err := c.Encode("QMOD")
	require.NoError(t, err)
	second, err := c.Encode("QMOD")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEncodeCommandTooLong(t *testing.T) {
	params := DefaultParams()
	params.MaxCommandLen = 5
	c := New(params)

	_, err := c.Encode("QPIGS2")
	assert.ErrorIs(t, err, ErrCommandTooLong)
}

func TestEncodeEmptyCommand(t *testing.T) {
	c := New(DefaultParams())

	_, err := c.Encode("")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRoundTrip(t *testing.T) {
	c := New(DefaultParams())

	tests := []struct {
		name string
		body string
	}{
		{name: "short body", body: "0 233.7"},
		{name: "multi chunk body", body: "229.8 50.0 230.1 49.9 447 405 8 368"},
		{name: "single field", body: "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := c.EncodeResponse(tt.body)
			body, err := c.Decode(chunks)
			require.NoError(t, err)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestDecodeSingleByteCorruption(t *testing.T) {
	c := New(DefaultParams())
	pristine := c.EncodeResponse("0 233.7")

	// Flipping any payload byte before validation must be caught by the
	// checksum.
	for chunkIdx, chunk := range pristine {
		declared := int(chunk[0])
		for i := 1; i <= declared; i++ {
			if chunk[i] == c.params.Terminator {
				continue
			}

			chunks := make([][]byte, len(pristine))
			for j, src := range pristine {
				chunks[j] = append([]byte(nil), src...)
			}
			chunks[chunkIdx][i] ^= 0x01

			_, err := c.Decode(chunks)
			assert.ErrorIs(t, err, ErrChecksumMismatch,
				"chunk %d byte %d", chunkIdx, i)
		}
	}
}

func TestDecodeClaimedChecksumMismatch(t *testing.T) {
	c := New(DefaultParams())

	// "(0 233.7" has checksum 0x09c7; the device claims 0x09c8.
	chunks := [][]byte{
		{7, '(', '0', ' ', '2', '3', '3', '.'},
		{4, '7', 0x09, 0xc8, '\r', 0, 0, 0},
	}

	_, err := c.Decode(chunks)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Contains(t, err.Error(), "0x09c7")
	assert.Contains(t, err.Error(), "0x09c8")
}

func TestDecodeStopsAtZeroLengthChunk(t *testing.T) {
	c := New(DefaultParams())

	// A message that never carries the terminator: reassembly ends at the
	// zero-length report instead.
	wire := deviceWire(c, "229.8 5", false)
	chunks := chunkWire(wire, 8)
	chunks = append(chunks, make([]byte, 8))
	// Anything after the end-of-stream report must be ignored.
	chunks = append(chunks, []byte{3, 'x', 'y', 'z', 0, 0, 0, 0})

	body, err := c.Decode(chunks)
	require.NoError(t, err)
	assert.Equal(t, "229.8 5", body)
}

func TestDecodeHonorsDeclaredLength(t *testing.T) {
	c := New(DefaultParams())

	wire := deviceWire(c, "ab", true)
	require.Len(t, wire, 6)

	// Declared length 5 leaves the trailing padding bytes out of the stream.
	chunk := []byte{5, wire[0], wire[1], wire[2], wire[3], wire[4], 0xde, 0xad}
	body, err := c.Decode([][]byte{chunk, {1, wire[5], 0, 0, 0, 0, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, "ab", body)
}

func TestDecodeTruncated(t *testing.T) {
	c := New(DefaultParams())

	// No terminator and no zero-length report.
	chunks := [][]byte{{3, '(', '1', '2', 0, 0, 0, 0}}
	_, err := c.Decode(chunks)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeFloodBounded(t *testing.T) {
	params := DefaultParams()
	params.MaxResponseLen = 32
	c := New(params)

	// A stuck device repeating full chunks forever must hit the length bound.
	r := c.NewReassembler()
	chunk := []byte{7, 'x', 'x', 'x', 'x', 'x', 'x', 'x'}
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = r.Feed(chunk)
	}
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeMissingStartMarker(t *testing.T) {
	c := New(DefaultParams())

	payload := []byte("X0 233.7")
	table := crc16.MakeTable(crc16.CRC16_XMODEM)
	sum := crc16.Checksum(payload, table)
	wire := append(append([]byte(nil), payload...), byte(sum>>8), byte(sum&0xff), '\r')

	_, err := c.Decode(chunkWire(wire, 8))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeTooShort(t *testing.T) {
	c := New(DefaultParams())

	_, err := c.Decode([][]byte{{1, '\r', 0, 0, 0, 0, 0, 0}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeBadDeclaredLength(t *testing.T) {
	c := New(DefaultParams())

	// A chunk cannot declare more payload bytes than it carries.
	_, err := c.Decode([][]byte{{9, 'a', 'b', 'c', 'd', 'e', 'f', 'g'}})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestChecksumPreset(t *testing.T) {
	tests := []struct {
		name    string
		preset  string
		wantErr bool
	}{
		{name: "default", preset: ""},
		{name: "xmodem", preset: "xmodem"},
		{name: "ccitt-false", preset: "ccitt-false"},
		{name: "aug-ccitt", preset: "aug-ccitt"},
		{name: "modbus", preset: "modbus"},
		{name: "unknown", preset: "crc32", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ChecksumPreset(tt.preset)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// deviceWire builds marker+body+crc(+terminator) the way the device frames a
// response.
func deviceWire(c *Codec, body string, terminated bool) []byte {
	wire := append([]byte{c.params.StartMarker}, []byte(body)...)
	sum := c.checksum(wire)
	wire = append(wire, byte(sum>>8), byte(sum&0xff))
	if terminated {
		wire = append(wire, c.params.Terminator)
	}
	return wire
}

// chunkWire splits a wire message into length-prefixed reports without the
// end-of-stream marker.
func chunkWire(wire []byte, reportSize int) [][]byte {
	maxPayload := reportSize - 1
	var chunks [][]byte
	for off := 0; off < len(wire); off += maxPayload {
		n := len(wire) - off
		if n > maxPayload {
			n = maxPayload
		}
		chunk := make([]byte, reportSize)
		chunk[0] = byte(n)
		copy(chunk[1:], wire[off:off+n])
		chunks = append(chunks, chunk)
	}
	return chunks
}
