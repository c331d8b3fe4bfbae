package teltonika

import (
	"encoding/binary"
	"testing"

	"github.com/maprox/gps-gateway/internal/bitutil"
	"github.com/maprox/gps-gateway/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogin(t *testing.T) {
	imei := "861785007918323"
	buf := make([]byte, 2, 2+len(imei))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(imei)))
	buf = append(buf, []byte(imei)...)

	p, tail, err := ParseLogin(buf)
	require.NoError(t, err)
	assert.Empty(t, tail)
	assert.Equal(t, imei, p.DeviceIMEI)
}

// buildAvlRecord assembles one fixed-field AvlData record with empty I/O
// groups, matching codec 8's [N1][N2][N4][N8] trailer shape.
func buildAvlRecord(tsMillis uint64, lon, lat int32, alt int16, course uint16, sats byte, speed uint16, eventID byte) []byte {
	buf := make([]byte, 26)
	binary.BigEndian.PutUint64(buf[0:8], tsMillis)
	buf[8] = 1 // priority
	binary.BigEndian.PutUint32(buf[9:13], uint32(lon))
	binary.BigEndian.PutUint32(buf[13:17], uint32(lat))
	binary.BigEndian.PutUint16(buf[17:19], uint16(alt))
	binary.BigEndian.PutUint16(buf[19:21], course)
	buf[21] = sats
	binary.BigEndian.PutUint16(buf[22:24], speed)
	buf[24] = eventID
	buf[25] = 0 // total io count (informational only)
	buf = append(buf, 0, 0, 0, 0) // zero counts for the 1/2/4/8-byte io groups
	return buf
}

func buildDataFrame(records [][]byte) []byte {
	payload := []byte{0x08, byte(len(records))}
	for _, r := range records {
		payload = append(payload, r...)
	}
	payload = append(payload, byte(len(records)))

	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	buf = append(buf, payload...)
	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, bitutil.CRC32(payload))
	return append(buf, crc...)
}

func TestParseDataSingleRecord(t *testing.T) {
	rec := buildAvlRecord(1371721819000, 372090750, 556360350, 220, 1000, 7, 0, 1)
	buf := buildDataFrame([][]byte{rec})

	p, tail, err := ParseData(buf)
	require.NoError(t, err)
	assert.Empty(t, tail)
	assert.Equal(t, byte(0x08), p.CodecID)
	require.Len(t, p.Records, 1)

	got := p.Records[0]
	assert.Equal(t, int64(1371721819), got.Time.Unix())
	assert.InDelta(t, 37.209075, got.Longitude, 0.000001)
	assert.InDelta(t, 55.636035, got.Latitude, 0.000001)
	assert.Equal(t, 220, got.Altitude)
	assert.Equal(t, 10, got.Course)
	assert.Equal(t, byte(7), got.Satellite)
}

func TestParseDataCRCMismatch(t *testing.T) {
	rec := buildAvlRecord(1000, 0, 0, 0, 0, 0, 0, 0)
	buf := buildDataFrame([][]byte{rec})
	buf[len(buf)-1] ^= 0xFF
	_, _, err := ParseData(buf)
	require.Error(t, err)
	var mf *frame.MalformedFrame
	assert.ErrorAs(t, err, &mf)
}

func TestAckBytes(t *testing.T) {
	assert.Equal(t, []byte{0x01}, AckLogin())
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, AckData(1))
}
