// Package autolink implements the Autolink wire protocol: a one-byte
// prefix selects between a fixed 10-byte Header frame and a 0x5B/0x5D
// delimited Package that wraps zero or more self-delimiting sub-Packets,
// each carrying a timestamp and a run of 5-byte TLV sensor records.
//
// Ported from original_source/lib/handlers/autolink/packets.py.
package autolink

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/maprox/gps-gateway/internal/bitutil"
	"github.com/maprox/gps-gateway/internal/frame"
)

// Frame prefixes identifying the two top-level frame kinds.
const (
	PrefixHeader  byte = 0xFF
	PrefixPackage byte = 0x5B
	packageEnd    byte = 0x5D
)

// Sub-packet kinds, carried in the first byte of each Packet inside a
// Package.
const (
	KindPing  byte = 0
	KindData  byte = 1
	KindText  byte = 3
	KindPhoto byte = 4
)

// TLV-5 record type numbers.
const (
	tagBatteryVoltage byte = 1
	tagIButton        byte = 2
	tagLatitude       byte = 3
	tagLongitude      byte = 4
	tagPosition       byte = 5
	tagStatus         byte = 9
)

// Header is the fixed-size (10 byte) identification frame: 0xFF prefix,
// one-byte protocol version, 8-byte little-endian IMEI.
type Header struct {
	frame.Base
	PacketID        byte
	ProtocolVersion byte
	DeviceIMEI      string
}

// ParseHeader parses a 10-byte Autolink Header frame.
func ParseHeader(buf []byte) (*Header, []byte, error) {
	if len(buf) < 10 {
		return nil, buf, &frame.MalformedFrame{Reason: "autolink header shorter than 10 bytes", Offset: 0}
	}
	if buf[0] != PrefixHeader {
		return nil, buf, &frame.UnknownPrefix{Prefix: buf[:1]}
	}
	h := &Header{
		PacketID:        buf[0],
		ProtocolVersion: buf[1],
		DeviceIMEI:      fmt.Sprintf("%d", binary.LittleEndian.Uint64(buf[2:10])),
	}
	h.SetParsed(buf[:10], buf[10:])
	return h, buf[10:], nil
}

// SubPacket is one frame inside a Package: a type byte, declared body
// length, a UNIX timestamp, a run of TLV-5 sensor records, and a
// one-byte sum-mod-256 checksum over timestamp++body.
type SubPacket struct {
	frame.Base
	Kind      byte
	Timestamp time.Time
	Sensors   map[string]any
	// UnhandledTags records TLV type numbers this decoder saw but does
	// not interpret (6, 7, 8 — see DESIGN.md for why they're left open).
	UnhandledTags []byte
}

// parseSubPacket parses one Packet from the front of buf and returns the
// remaining bytes. It never reads past len(buf).
func parseSubPacket(buf []byte) (*SubPacket, []byte, error) {
	const headSize = 1 + 2 + 4 // kind + declared length + timestamp
	if len(buf) < headSize {
		return nil, nil, &frame.MalformedFrame{Reason: "autolink sub-packet shorter than header", Offset: 0}
	}
	kind := buf[0]
	bodyLen := int(binary.LittleEndian.Uint16(buf[1:3]))
	ts := binary.LittleEndian.Uint32(buf[3:7])

	total := headSize + bodyLen + 1 // +1 checksum byte
	if len(buf) < total {
		return nil, nil, &frame.MalformedFrame{Reason: "autolink sub-packet body truncated", Offset: headSize}
	}

	body := buf[headSize : headSize+bodyLen]
	gotChecksum := buf[headSize+bodyLen]
	checksumData := make([]byte, 0, 4+bodyLen)
	checksumData = append(checksumData, buf[3:7]...)
	checksumData = append(checksumData, body...)
	wantChecksum := bitutil.SumByte(checksumData)
	if gotChecksum != wantChecksum {
		return nil, nil, &frame.MalformedFrame{
			Reason: fmt.Sprintf("checksum mismatch: got 0x%02X want 0x%02X", gotChecksum, wantChecksum),
			Offset: headSize + bodyLen,
		}
	}

	sp := &SubPacket{
		Kind:      kind,
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Sensors:   map[string]any{},
	}
	sp.parseTLVRecords(body)
	sp.SetParsed(buf[:total], buf[total:])
	return sp, buf[total:], nil
}

func (sp *SubPacket) parseTLVRecords(body []byte) {
	for offset := 0; offset+5 <= len(body); offset += 5 {
		num := body[offset]
		val := body[offset+1 : offset+5]
		switch num {
		case tagBatteryVoltage:
			sp.Sensors["ext_battery_voltage"] = binary.LittleEndian.Uint16(val[0:2])
			sp.Sensors["int_battery_voltage"] = binary.LittleEndian.Uint16(val[2:4])
		case tagIButton:
			sp.Sensors["ibutton"] = binary.LittleEndian.Uint32(val)
		case tagLatitude:
			sp.Sensors["latitude"] = math.Float32frombits(binary.LittleEndian.Uint32(val))
		case tagLongitude:
			sp.Sensors["longitude"] = math.Float32frombits(binary.LittleEndian.Uint32(val))
		case tagPosition:
			azimuth := int(val[0]) * 2
			altitude := int(val[1]) * 10
			sat := val[2]
			speed := float64(val[3]) * 1.852
			satGPS := int(bitutil.BitRangeValue(uint32(sat), 0, 4))
			satGlonass := int(bitutil.BitRangeValue(uint32(sat), 4, 8))
			sp.Sensors["sat_count"] = satGPS + satGlonass
			sp.Sensors["sat_count_gps"] = satGPS
			sp.Sensors["sat_count_glonass"] = satGlonass
			sp.Sensors["speed"] = speed
			sp.Sensors["altitude"] = altitude
			sp.Sensors["azimuth"] = azimuth
		case tagStatus:
			status := binary.LittleEndian.Uint32(val)
			for i := 0; i < 8; i++ {
				sp.Sensors[fmt.Sprintf("din%d", i)] = bitutil.BitValue(status, uint(i))
			}
			for j := 0; j < 5; j++ {
				sp.Sensors[fmt.Sprintf("ain%d", j)] = bitutil.BitValue(status, uint(8+j))
			}
			sp.Sensors["gsm_modem_status"] = bitutil.BitRangeValue(status, 12, 14)
			sp.Sensors["gps_module_status"] = bitutil.BitRangeValue(status, 14, 16)
			sp.Sensors["moving"] = bitutil.BitValue(status, 16)
			sp.Sensors["armed"] = bitutil.BitValue(status, 20)
			sp.Sensors["acc"] = bitutil.BitValue(status, 21)
			sp.Sensors["ext_battery_voltage"] = bitutil.BitRangeValue(status, 24, 32) * 150
		default:
			// Tags 6, 7 and 8 are present in device firmware but left
			// undocumented upstream; record that we saw one instead of
			// silently dropping it.
			sp.UnhandledTags = append(sp.UnhandledTags, num)
		}
	}
}

// AckBytes returns the per-sub-packet acknowledgement: 0x02 followed by
// a little-endian CRC-16/Modbus over the sub-packet's own raw bytes. No
// autolink handler survived in the recovered original source to ground
// the exact CRC input against (only packets.py, never an abstract.py
// counterpart), so this borrows the Galileo/Naviset convention of CRC
// over the frame's own bytes; recorded as an assumption in DESIGN.md.
func (sp *SubPacket) AckBytes() []byte {
	out := make([]byte, 3)
	out[0] = 0x02
	binary.LittleEndian.PutUint16(out[1:], bitutil.CRC16Modbus(sp.Raw()))
	return out
}

// Params returns the flattened "old-fashioned" field view the handler's
// translate() step consumes, mirroring Packet.params from the source.
func (sp *SubPacket) Params() map[string]any {
	params := map[string]any{"sensors": sp.Sensors, "hdop": 1.0}
	for _, key := range []string{"latitude", "longitude", "speed", "altitude", "azimuth"} {
		if v, ok := sp.Sensors[key]; ok {
			params[key] = v
		}
	}
	if v, ok := sp.Sensors["sat_count"]; ok {
		params["satellitescount"] = v
	}
	return params
}

// Package is a 0x5B-delimited stream of sub-Packets, terminated by a
// trailing 0x5D byte or end of buffer. It has no declared length of its
// own: length is derived from parsing the sub-packets it contains.
type Package struct {
	frame.Base
	SequenceNum byte
	Packets     []*SubPacket
}

// ParsePackage parses a 0x5B Package frame, reading sub-packets until it
// hits the 0x5D terminator or runs out of buffer. It never advances past
// the input slice.
func ParsePackage(buf []byte) (*Package, []byte, error) {
	if len(buf) < 2 {
		return nil, buf, &frame.MalformedFrame{Reason: "autolink package shorter than 2 bytes", Offset: 0}
	}
	if buf[0] != PrefixPackage {
		return nil, buf, &frame.UnknownPrefix{Prefix: buf[:1]}
	}
	seq := buf[1]
	rest := buf[2:]

	pkg := &Package{SequenceNum: seq}
	consumed := 2
	for {
		if len(rest) == 0 {
			break
		}
		if rest[0] == packageEnd {
			consumed++
			rest = rest[1:]
			break
		}
		sub, tail, err := parseSubPacket(rest)
		if err != nil {
			return nil, buf, err
		}
		pkg.Packets = append(pkg.Packets, sub)
		consumed += len(sub.Raw())
		rest = tail
	}
	pkg.SetParsed(buf[:consumed], buf[consumed:])
	return pkg, buf[consumed:], nil
}

// Factory dispatches on the first byte of a buffer to decide which
// Autolink frame kind to parse.
type Factory struct{}

// GetClass reports which frame kind a prefix byte identifies.
func (Factory) GetClass(prefix byte) (string, bool) {
	switch prefix {
	case PrefixHeader:
		return "Header", true
	case PrefixPackage:
		return "Package", true
	default:
		return "", false
	}
}

// Parse dispatches buf to ParseHeader or ParsePackage by its first byte.
func (f Factory) Parse(buf []byte) (frame.Frame, []byte, error) {
	if len(buf) == 0 {
		return nil, buf, &frame.MalformedFrame{Reason: "empty buffer", Offset: 0}
	}
	switch buf[0] {
	case PrefixHeader:
		return ParseHeader(buf)
	case PrefixPackage:
		return ParsePackage(buf)
	default:
		return nil, buf, &frame.UnknownPrefix{Prefix: buf[:1]}
	}
}
