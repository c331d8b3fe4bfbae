// Package galileo implements the Galileo wire protocol: a one-byte
// header/kind, a 2-byte body length, a variable-length run of TLV tags,
// and a trailing CRC-16/XMODEM-variant checksum over header++body.
//
// A single transport frame can carry more than one device-time sample;
// samples are delineated by tag-number monotonicity resets rather than
// an explicit count, per original_source/lib/handlers/galileo/abstract.py
// (GalileoHandler.translate).
package galileo

import (
	"encoding/binary"
	"fmt"

	"github.com/maprox/gps-gateway/internal/bitutil"
	"github.com/maprox/gps-gateway/internal/frame"
)

// Header/kind byte values.
const (
	HeaderMain  byte = 1
	HeaderImage byte = 4
)

// Tag numbers that get struct-level treatment in Sample; everything else
// lands in Sample.Sensors under a generic "tagN" key.
const (
	tagIMEI       byte = 3
	tagCode       byte = 4
	tagTimestamp  byte = 32
	tagPosition   byte = 48 // satellites/correctness + lat + lon
	tagSpeedAz    byte = 51
	tagAltitude   byte = 52
	tagHDOP       byte = 53
	tagStatus     byte = 64
	tagExtVoltage byte = 65
	tagIntVoltage byte = 66
	tagTemp       byte = 67
	tagAccel      byte = 68
	tagDigitalOut byte = 69
	tagDigitalIn  byte = 70
	tagRS2320     byte = 88
	tagRS2321     byte = 89
	tagIButton1   byte = 144
	tagFMSFuel    byte = 192
	tagFMSMileage byte = 194
	tagCANB1      byte = 195
	tagIButton2   byte = 211
	tagTotalMile  byte = 212
	tagDeviceAns  byte = 0xE1
)

// tagSize returns the fixed value size (in bytes) for a tag number. The
// Galileo wire format ties size to tag number rather than declaring it
// inline, the same way the real protocol's tag dictionary works.
func tagSize(num byte) int {
	switch {
	case num == tagIMEI:
		return 15
	case num == tagCode:
		return 2
	case num == tagTimestamp:
		return 4
	case num == tagPosition:
		return 9 // 1 byte sats/correctness + int32 lat + int32 lon
	case num == tagSpeedAz:
		return 4 // uint16 speed*10 + uint16 azimuth*10
	case num == tagAltitude:
		return 2
	case num == tagHDOP:
		return 1
	case num == tagStatus:
		return 2
	case num == tagExtVoltage, num == tagIntVoltage:
		return 2
	case num == tagTemp:
		return 1
	case num == tagAccel:
		return 6 // 3x int16
	case num == tagDigitalOut, num == tagDigitalIn:
		return 2
	case num >= 80 && num <= 84:
		return 2 // analog inputs 0-4
	case num == tagRS2320, num == tagRS2321:
		return 2
	case num >= 112 && num <= 119:
		return 1 // external temperature banks
	case num == tagIButton1, num == tagIButton2:
		return 8
	case num == tagFMSFuel, num == tagFMSMileage, num == tagTotalMile:
		return 4
	case num == tagCANB1:
		return 4
	case num >= 196 && num <= 210:
		return 1 // can_8bit_rN
	case num == 193, num == 213:
		return 4 // FMS status bitfields (sub-field layout not recoverable, see DESIGN.md)
	case num >= 214 && num <= 218:
		return 2 // can_16bit_rN
	case num >= 219 && num <= 223:
		return 4 // can_32bit_rN
	case num == tagDeviceAns:
		return -1 // variable-length ASCII, terminated implicitly by frame end
	default:
		return 4 // generic fallback for unrecognized tags
	}
}

// Sample is one device-time fix assembled from a run of tags up to the
// next monotonicity reset.
type Sample struct {
	UID       string
	UID2      string
	Time      int64 // unix seconds, 0 if not present in this sample
	Latitude  float64
	Longitude float64
	Speed     float64
	Azimuth   int
	Altitude  int
	HDOP      float64
	SatCount  int
	Sensors   map[string]any
	HasTime   bool
	HasGeo    bool
}

// Packet is a parsed Galileo frame.
type Packet struct {
	frame.Base
	Header  byte
	Body    []byte
	Samples []Sample
}

func checksumOf(headAndBody []byte) uint16 {
	return bitutil.CRC16Xmodem(headAndBody)
}

// Parse reads one Galileo frame from the front of buf.
func Parse(buf []byte) (*Packet, []byte, error) {
	if len(buf) < 5 {
		return nil, buf, &frame.MalformedFrame{Reason: "galileo frame shorter than header+checksum", Offset: 0}
	}
	header := buf[0]
	length := binary.LittleEndian.Uint16(buf[1:3])
	total := 3 + int(length) + 2
	if len(buf) < total {
		return nil, buf, &frame.MalformedFrame{Reason: "galileo frame body truncated", Offset: 3}
	}

	body := buf[3 : 3+int(length)]
	gotChecksum := binary.LittleEndian.Uint16(buf[3+int(length) : total])
	wantChecksum := checksumOf(buf[:3+int(length)])
	if gotChecksum != wantChecksum {
		return nil, buf, &frame.MalformedFrame{
			Reason: fmt.Sprintf("checksum mismatch: got 0x%04X want 0x%04X", gotChecksum, wantChecksum),
			Offset: 3 + int(length),
		}
	}

	p := &Packet{Header: header, Body: append([]byte(nil), body...)}
	samples, err := parseTags(body)
	if err != nil {
		return nil, buf, err
	}
	p.Samples = samples
	p.SetParsed(buf[:total], buf[total:])
	return p, buf[total:], nil
}

// Checksum exposes the frame's verified trailing checksum, for the
// handler's acknowledgement step (pack('<BH', 2, crc)).
func (p *Packet) Checksum() uint16 {
	return checksumOf(p.Raw()[:len(p.Raw())-2])
}

// AckBytes returns the literal acknowledgement for this frame: a 0x02
// marker byte followed by the little-endian CRC the frame carried.
func AckBytes(crc uint16) []byte {
	out := make([]byte, 3)
	out[0] = 0x02
	binary.LittleEndian.PutUint16(out[1:], crc)
	return out
}

func parseTags(body []byte) ([]Sample, error) {
	var samples []Sample
	sample := Sample{Sensors: map[string]any{}}
	started := false
	prevNum := -1

	flush := func() {
		if started {
			samples = append(samples, sample)
		}
		sample = Sample{Sensors: map[string]any{}}
		started = false
	}

	offset := 0
	for offset < len(body) {
		num := body[offset]
		offset++
		size := tagSize(num)
		if size < 0 {
			size = len(body) - offset // tagDeviceAns consumes the rest of the buffer
		}
		if offset+size > len(body) {
			return nil, &frame.MalformedFrame{Reason: fmt.Sprintf("galileo tag %d value truncated", num), Offset: offset}
		}
		val := body[offset : offset+size]
		offset += size

		if int(num) < prevNum {
			flush()
		}
		prevNum = int(num)
		started = true
		applyTag(&sample, num, val)
	}
	flush()
	return samples, nil
}

func applyTag(sample *Sample, num byte, val []byte) {
	switch {
	case num == tagIMEI:
		sample.UID = string(val)
	case num == tagCode:
		sample.UID2 = fmt.Sprintf("%d", binary.LittleEndian.Uint16(val))
	case num == tagTimestamp:
		sample.Time = int64(binary.LittleEndian.Uint32(val))
		sample.HasTime = true
	case num == tagPosition:
		satsAndCorrectness := val[0]
		sample.SatCount = int(bitutil.BitRangeValue(uint32(satsAndCorrectness), 0, 4))
		latRaw := int32(binary.LittleEndian.Uint32(val[1:5]))
		lonRaw := int32(binary.LittleEndian.Uint32(val[5:9]))
		sample.Latitude = float64(latRaw) / 1e6
		sample.Longitude = float64(lonRaw) / 1e6
		sample.HasGeo = true
		sample.Sensors["sat_count"] = sample.SatCount
	case num == tagSpeedAz:
		sample.Speed = float64(binary.LittleEndian.Uint16(val[0:2])) / 10
		sample.Azimuth = int(binary.LittleEndian.Uint16(val[2:4])) / 10
	case num == tagAltitude:
		sample.Altitude = int(int16(binary.LittleEndian.Uint16(val)))
	case num == tagHDOP:
		sample.HDOP = float64(val[0]) / 10
	case num == tagStatus:
		status := binary.LittleEndian.Uint16(val)
		for i := 0; i < 16; i++ {
			sample.Sensors[fmt.Sprintf("status_bit%d", i)] = bitutil.BitValue(uint32(status), uint(i))
		}
	case num == tagExtVoltage:
		sample.Sensors["ext_battery_voltage"] = binary.LittleEndian.Uint16(val)
	case num == tagIntVoltage:
		sample.Sensors["int_battery_voltage"] = binary.LittleEndian.Uint16(val)
	case num == tagTemp:
		sample.Sensors["int_temperature"] = int8(val[0])
	case num == tagAccel:
		sample.Sensors["acceleration_x"] = int16(binary.LittleEndian.Uint16(val[0:2]))
		sample.Sensors["acceleration_y"] = int16(binary.LittleEndian.Uint16(val[2:4]))
		sample.Sensors["acceleration_z"] = int16(binary.LittleEndian.Uint16(val[4:6]))
	case num == tagDigitalOut:
		bitfield(sample.Sensors, "dout", uint32(binary.LittleEndian.Uint16(val)), 16)
	case num == tagDigitalIn:
		bitfield(sample.Sensors, "din", uint32(binary.LittleEndian.Uint16(val)), 16)
	case num >= 80 && num <= 84:
		sample.Sensors[fmt.Sprintf("ain%d", num-80)] = binary.LittleEndian.Uint16(val)
	case num == tagRS2320:
		sample.Sensors["rs232_0"] = binary.LittleEndian.Uint16(val)
	case num == tagRS2321:
		sample.Sensors["rs232_1"] = binary.LittleEndian.Uint16(val)
	case num >= 112 && num <= 119:
		sample.Sensors[fmt.Sprintf("ext_temperature_%d", num-112)] = int8(val[0])
	case num == tagIButton1:
		sample.Sensors["ibutton_1"] = binary.LittleEndian.Uint64(val)
	case num == tagFMSFuel:
		sample.Sensors["fms_total_fuel_consumption"] = binary.LittleEndian.Uint32(val)
	case num == 193:
		bitfield(sample.Sensors, "fms_status", binary.LittleEndian.Uint32(val), 32)
	case num == tagFMSMileage:
		sample.Sensors["fms_total_mileage"] = binary.LittleEndian.Uint32(val)
	case num == tagCANB1:
		sample.Sensors["can_b1"] = binary.LittleEndian.Uint32(val)
	case num >= 196 && num <= 210:
		sample.Sensors[fmt.Sprintf("can_8bit_r%d", num-196)] = val[0]
	case num == tagIButton2:
		sample.Sensors["ibutton_2"] = binary.LittleEndian.Uint64(val)
	case num == tagTotalMile:
		sample.Sensors["total_mileage"] = binary.LittleEndian.Uint32(val)
	case num == 213:
		bitfield(sample.Sensors, "status213", binary.LittleEndian.Uint32(val), 32)
	case num >= 214 && num <= 218:
		sample.Sensors[fmt.Sprintf("can_16bit_r%d", num-214)] = binary.LittleEndian.Uint16(val)
	case num >= 219 && num <= 223:
		sample.Sensors[fmt.Sprintf("can_32bit_r%d", num-219)] = binary.LittleEndian.Uint32(val)
	case num == tagDeviceAns:
		sample.Sensors["device_answer"] = string(val)
	default:
		sample.Sensors[fmt.Sprintf("tag%d", num)] = val
	}
}

func bitfield(sensors map[string]any, prefix string, value uint32, bits int) {
	for i := 0; i < bits; i++ {
		sensors[fmt.Sprintf("%s_bit%d", prefix, i)] = bitutil.BitValue(value, uint(i))
	}
}
