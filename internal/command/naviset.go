// Package command implements the outbound control packets C5 sends to a
// device: Naviset's header+number+body+CRC-16/Modbus command envelope,
// and Teltonika's parameter-TLV configuration blob.
//
// Ported from original_source/lib/handlers/naviset/packets.py (Command
// and its subclasses) and the CFG_* parameter set implied by
// original_source/lib/handlers/teltonika/abstract.py's
// getConfigurationPacket.
package command

import (
	"encoding/binary"
	"net"

	"github.com/maprox/gps-gateway/internal/bitutil"
)

// Naviset command numbers.
const (
	NavisetGetStatus              byte = 0
	NavisetGetImei                byte = 1
	NavisetSetGprsParams          byte = 4
	NavisetGetRegisteredIButtons  byte = 5
	NavisetGetPhones              byte = 7
	NavisetGetTrackParams         byte = 10
	NavisetRemoveTrackFromBuffer  byte = 16
	NavisetRestart                byte = 18
	NavisetGetImage               byte = 20
)

const navisetCommandHeader byte = 0x02

// BuildNavisetSimple serializes a parameterless Naviset command (e.g.
// GetStatus, GetImei, Restart): header, number, and a CRC-16/Modbus
// checksum over both.
func BuildNavisetSimple(number byte) []byte {
	return buildNavisetCommand(number, nil)
}

// BuildNavisetIPPort serializes a Naviset command whose body is a packed
// IPv4 address followed by a little-endian port — the shape
// SetGprsParams(4) and GetImage(20) share (GetImage's real parameters,
// resolution and camera id, are never wired in the source it was ported
// from; it keeps SetGprsParams' shape per DESIGN NOTES).
func BuildNavisetIPPort(number byte, ip string, port uint16) []byte {
	body := make([]byte, 0, 6)
	if parsed := net.ParseIP(ip); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			body = append(body, v4...)
		}
	}
	for len(body) < 4 {
		body = append(body, 0)
	}
	portBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(portBytes, port)
	body = append(body, portBytes...)
	return buildNavisetCommand(number, body)
}

func buildNavisetCommand(number byte, body []byte) []byte {
	head := []byte{navisetCommandHeader, number}
	headAndBody := append(append([]byte(nil), head...), body...)
	checksum := bitutil.CRC16Modbus(headAndBody)
	cs := make([]byte, 2)
	binary.LittleEndian.PutUint16(cs, checksum)
	return append(headAndBody, cs...)
}
