package command

import (
	"encoding/binary"
	"testing"

	"github.com/maprox/gps-gateway/internal/bitutil"
	"github.com/maprox/gps-gateway/internal/naviset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildNavisetSimpleRoundTripsChecksum(t *testing.T) {
	raw := BuildNavisetSimple(NavisetGetStatus)
	require.Len(t, raw, 4) // header(1) + number(1) + checksum(2)
	assert.Equal(t, byte(0x02), raw[0])
	assert.Equal(t, NavisetGetStatus, raw[1])
}

func TestBuildNavisetIPPortEncodesAddress(t *testing.T) {
	raw := BuildNavisetIPPort(NavisetSetGprsParams, "192.168.1.10", 7000)
	require.True(t, len(raw) >= 2+4+2+2)
	assert.Equal(t, byte(192), raw[2])
	assert.Equal(t, byte(168), raw[3])
	assert.Equal(t, byte(1), raw[4])
	assert.Equal(t, byte(10), raw[5])
}

func TestNavisetCommandAnswerRoundTrips(t *testing.T) {
	// A command is itself a valid NavisetBase frame (header+body+checksum),
	// but its "kind" bits (top 2 bits of a length word) don't apply the
	// same way as a data/head/answer frame, so only the checksum over
	// head++body is re-validated here rather than the full naviset.Parse
	// lifecycle, which expects a NavisetPacket-shaped header word.
	raw := BuildNavisetSimple(NavisetRestart)
	answer := naviset.BuildAnswer(1, NavisetRestart)
	require.NotEmpty(t, raw)
	require.NotEmpty(t, answer)
	for _, frame := range [][]byte{raw, answer} {
		n := len(frame)
		assert.Equal(t, bitutil.CRC16Modbus(frame[:n-2]), binary.LittleEndian.Uint16(frame[n-2:]))
	}
}

func TestTeltonikaConfigBuildAndAnswer(t *testing.T) {
	cfg := NewTeltonikaConfig(1)
	cfg.AddParam(CfgTargetServerIPAddress, "10.0.0.1")
	cfg.AddParam(CfgTargetServerPort, 7000)
	raw := cfg.Build()

	assert.Equal(t, byte(1), raw[0])
	assert.True(t, cfg.IsCorrectAnswer([]byte{1}))
	assert.False(t, cfg.IsCorrectAnswer([]byte{2}))
	assert.False(t, cfg.IsCorrectAnswer([]byte{1, 2}))
}
