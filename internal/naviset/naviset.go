// Package naviset implements the Naviset wire protocol: a 2-byte little
// endian header word whose low 14 bits hold the body length and whose
// high 2 bits select the frame kind (head, data, answer), a variable
// body, and a trailing CRC-16/Modbus checksum over header++body.
//
// Ported from original_source/lib/handlers/naviset/packets.py.
package naviset

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"github.com/maprox/gps-gateway/internal/bitutil"
	"github.com/maprox/gps-gateway/internal/frame"
)

// Frame kinds, carried in the top 2 bits of the header word.
const (
	KindHead   uint16 = 0
	KindData   uint16 = 1
	KindAnswer uint16 = 2
)

const imeiLength = 15

// Packet is a parsed Naviset frame: the header word split into kind and
// body length, the device number every non-command packet body opens
// with, and the kind-specific payload.
type Packet struct {
	frame.Base
	Kind         uint16
	DeviceNumber uint16

	// Head fields (Kind == KindHead)
	DeviceIMEI      string
	ProtocolVersion byte

	// Data fields (Kind == KindData)
	DataStructure uint16
	Items         []*DataItem

	// Answer fields (Kind == KindAnswer)
	Command byte
}

// checksumOf computes the trailing CRC-16/Modbus over a header+body span.
func checksumOf(headAndBody []byte) uint16 {
	return bitutil.CRC16Modbus(headAndBody)
}

// Parse reads one Naviset frame from the front of buf: the 2-byte header
// word, the body it declares, and the 2-byte trailing checksum.
func Parse(buf []byte) (*Packet, []byte, error) {
	if len(buf) < 4 {
		return nil, buf, &frame.MalformedFrame{Reason: "naviset frame shorter than header+checksum", Offset: 0}
	}
	headWord := binary.LittleEndian.Uint16(buf[0:2])
	length := headWord &^ (0b11 << 14)
	kind := headWord >> 14

	total := 2 + int(length) + 2
	if len(buf) < total {
		return nil, buf, &frame.MalformedFrame{Reason: "naviset frame body truncated", Offset: 2}
	}

	body := buf[2 : 2+int(length)]
	gotChecksum := binary.LittleEndian.Uint16(buf[2+int(length) : total])
	wantChecksum := checksumOf(buf[:2+int(length)])
	if gotChecksum != wantChecksum {
		return nil, buf, &frame.MalformedFrame{
			Reason: fmt.Sprintf("checksum mismatch: got 0x%04X want 0x%04X", gotChecksum, wantChecksum),
			Offset: 2 + int(length),
		}
	}

	p := &Packet{Kind: kind}
	switch kind {
	case KindHead:
		if err := p.parseHead(body); err != nil {
			return nil, buf, err
		}
	case KindData:
		if err := p.parseData(body); err != nil {
			return nil, buf, err
		}
	case KindAnswer:
		if err := p.parseAnswer(body); err != nil {
			return nil, buf, err
		}
	default:
		return nil, buf, &frame.UnknownPrefix{Prefix: buf[:2]}
	}
	p.SetParsed(buf[:total], buf[total:])
	return p, buf[total:], nil
}

func (p *Packet) parseHead(body []byte) error {
	if len(body) < 2+imeiLength+1 {
		return &frame.MalformedFrame{Reason: "naviset head body too short", Offset: 2}
	}
	p.DeviceNumber = binary.LittleEndian.Uint16(body[0:2])
	p.DeviceIMEI = string(body[2 : 2+imeiLength])
	p.ProtocolVersion = body[2+imeiLength]
	return nil
}

func (p *Packet) parseAnswer(body []byte) error {
	if len(body) < 3 {
		return &frame.MalformedFrame{Reason: "naviset answer body too short", Offset: 2}
	}
	p.DeviceNumber = binary.LittleEndian.Uint16(body[0:2])
	p.Command = body[2]
	return nil
}

func (p *Packet) parseData(body []byte) error {
	if len(body) < 4 {
		return &frame.MalformedFrame{Reason: "naviset data body too short", Offset: 2}
	}
	p.DeviceNumber = binary.LittleEndian.Uint16(body[0:2])
	p.DataStructure = binary.LittleEndian.Uint16(body[2:4])
	items, err := parseDataItems(body[4:], p.DataStructure)
	if err != nil {
		return err
	}
	p.Items = items
	return nil
}

// additionalDataLength returns how many extra bytes each data item's
// optional field group contributes, given the dataStructure bitmask.
func additionalDataLength(ds uint16) int {
	dsMap := map[uint]int{
		0: 1, 1: 4, 2: 1, 3: 2, 4: 4, 5: 4, 6: 4, 7: 4,
		8: 4, 9: 4, 10: 6, 11: 4, 12: 4, 13: 2, 14: 4, 15: 8,
	}
	size := 0
	for bit, n := range dsMap {
		if bitutil.BitTest(uint32(ds), bit) {
			size += n
		}
	}
	return size
}

// DataItem is one fixed-core, variable-tail location record inside a
// data packet's body.
type DataItem struct {
	Number           uint16
	Time             time.Time
	SatellitesCount  byte
	Latitude         float64
	Longitude        float64
	Speed            float64
	Azimuth          int
	Altitude         int
	HDOP             float64
	Additional       []byte
}

const dataItemCoreLength = 22

func parseDataItems(buf []byte, ds uint16) ([]*DataItem, error) {
	itemLength := dataItemCoreLength + additionalDataLength(ds)
	var items []*DataItem
	for len(buf) >= itemLength {
		item, err := parseDataItem(buf[:itemLength])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		buf = buf[itemLength:]
	}
	return items, nil
}

func parseDataItem(buf []byte) (*DataItem, error) {
	if len(buf) < dataItemCoreLength {
		return nil, &frame.MalformedFrame{Reason: "naviset data item shorter than core", Offset: 0}
	}
	lat := convertCoordinate(binary.LittleEndian.Uint32(buf[7:11]))
	lon := convertCoordinate(binary.LittleEndian.Uint32(buf[11:15]))
	speed := float64(binary.LittleEndian.Uint16(buf[15:17])) / 10
	azimuth := int(float64(binary.LittleEndian.Uint16(buf[17:19]))/10 + 0.5)
	altitude := int(binary.LittleEndian.Uint16(buf[19:21]))
	hdop := float64(buf[21]) / 10

	item := &DataItem{
		Number:          binary.LittleEndian.Uint16(buf[0:2]),
		Time:            time.Unix(int64(binary.LittleEndian.Uint32(buf[2:6])), 0).UTC(),
		SatellitesCount: buf[6],
		Latitude:        lat,
		Longitude:       lon,
		Speed:           speed,
		Azimuth:         azimuth,
		Altitude:        altitude,
		HDOP:            hdop,
		Additional:      append([]byte(nil), buf[dataItemCoreLength:]...),
	}
	return item, nil
}

// convertCoordinate replicates PacketDataItem.convertCoordinate: the raw
// integer is rendered as decimal digits with a point spliced in after
// the first two, e.g. 5563603 -> "55.63603" -> 55.63603.
func convertCoordinate(raw uint32) float64 {
	digits := fmt.Sprintf("%02d", raw)
	withPoint := digits[:2] + "." + digits[2:]
	v, _ := strconv.ParseFloat(withPoint, 64)
	return v
}

// buildHeadWord packs a body length and kind into the 2-byte header word.
func buildHeadWord(bodyLen int, kind uint16) uint16 {
	return uint16(bodyLen) | (kind << 14)
}

// BuildAnswer serializes an answer-kind frame (device number and command
// byte) to wire bytes, computing the checksum. Only tests call it, as a
// round-trip check; inbound head/data frames are never mutated and
// re-sent.
func BuildAnswer(deviceNumber uint16, command byte) []byte {
	body := make([]byte, 0, 3)
	body = append(body, byte(deviceNumber), byte(deviceNumber>>8))
	body = append(body, command)

	headWord := buildHeadWord(len(body), KindAnswer)
	head := make([]byte, 2)
	binary.LittleEndian.PutUint16(head, headWord)

	out := append(head, body...)
	checksum := checksumOf(out)
	cs := make([]byte, 2)
	binary.LittleEndian.PutUint16(cs, checksum)
	return append(out, cs...)
}
