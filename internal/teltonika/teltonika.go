// Package teltonika implements the Teltonika FMXXXX wire protocol: a
// length-prefixed IMEI login frame, and a codec-8-style data frame (zero
// preamble, length-prefixed AvlData records, trailing CRC-32).
//
// Ported from original_source/lib/handlers/teltonika/abstract.py and the
// codec layout described for this gateway (packets.py itself was not
// part of the recovered original source).
package teltonika

import (
	"encoding/binary"
	"time"

	"github.com/maprox/gps-gateway/internal/bitutil"
	"github.com/maprox/gps-gateway/internal/frame"
)

// LoginPacket is the IMEI identification frame: a 2-byte big-endian
// length followed by the ASCII IMEI digits. It carries no checksum.
type LoginPacket struct {
	frame.Base
	DeviceIMEI string
}

// ParseLogin reads a Teltonika login frame from the front of buf.
func ParseLogin(buf []byte) (*LoginPacket, []byte, error) {
	if len(buf) < 2 {
		return nil, buf, &frame.MalformedFrame{Reason: "teltonika login frame shorter than length prefix", Offset: 0}
	}
	length := int(binary.BigEndian.Uint16(buf[0:2]))
	total := 2 + length
	if len(buf) < total {
		return nil, buf, &frame.MalformedFrame{Reason: "teltonika login IMEI truncated", Offset: 2}
	}
	p := &LoginPacket{DeviceIMEI: string(buf[2:total])}
	p.SetParsed(buf[:total], buf[total:])
	return p, buf[total:], nil
}

// IOValue is one parsed I/O element: an id and a width-appropriate value.
type IOValue struct {
	ID    byte
	Value uint64
}

// AvlRecord is one decoded GPS/event fix inside a data frame.
type AvlRecord struct {
	Time     time.Time
	Priority byte

	Longitude float64
	Latitude  float64
	Altitude  int
	Course    int
	Satellite byte
	Speed     int

	EventID byte
	IO      []IOValue
}

// DataPacket is a parsed Teltonika codec-8 style data frame.
type DataPacket struct {
	frame.Base
	CodecID byte
	Records []AvlRecord
}

// ParseData reads one Teltonika data frame: 4-byte zero preamble, 4-byte
// big-endian payload length, codec id, record count, records, trailing
// record count and CRC-32 over the payload span.
func ParseData(buf []byte) (*DataPacket, []byte, error) {
	if len(buf) < 12 {
		return nil, buf, &frame.MalformedFrame{Reason: "teltonika data frame shorter than fixed header", Offset: 0}
	}
	for i := 0; i < 4; i++ {
		if buf[i] != 0 {
			return nil, buf, &frame.UnknownPrefix{Prefix: buf[:4]}
		}
	}
	payloadLen := int(binary.BigEndian.Uint32(buf[4:8]))
	total := 8 + payloadLen + 4
	if len(buf) < total {
		return nil, buf, &frame.MalformedFrame{Reason: "teltonika data frame payload truncated", Offset: 8}
	}

	payload := buf[8 : 8+payloadLen]
	gotCRC := binary.BigEndian.Uint32(buf[8+payloadLen : total])
	wantCRC := bitutil.CRC32(payload)
	if gotCRC != wantCRC {
		return nil, buf, &frame.MalformedFrame{Reason: "teltonika data frame CRC mismatch", Offset: 8 + payloadLen}
	}

	if len(payload) < 3 {
		return nil, buf, &frame.MalformedFrame{Reason: "teltonika payload too short for codec+count", Offset: 8}
	}
	codecID := payload[0]
	recordCount := payload[1]
	cursor := payload[2:]

	records := make([]AvlRecord, 0, recordCount)
	for i := byte(0); i < recordCount; i++ {
		rec, rest, err := parseAvlRecord(cursor)
		if err != nil {
			return nil, buf, err
		}
		records = append(records, rec)
		cursor = rest
	}
	if len(cursor) < 1 {
		return nil, buf, &frame.MalformedFrame{Reason: "teltonika payload missing trailing record count", Offset: 8}
	}
	trailingCount := cursor[0]
	if trailingCount != recordCount {
		return nil, buf, &frame.MalformedFrame{Reason: "teltonika leading/trailing record counts disagree", Offset: 8}
	}

	p := &DataPacket{CodecID: codecID, Records: records}
	p.SetParsed(buf[:total], buf[total:])
	return p, buf[total:], nil
}

func parseAvlRecord(buf []byte) (AvlRecord, []byte, error) {
	const fixedLen = 8 + 1 + 4 + 4 + 2 + 2 + 1 + 2 + 1 + 1
	if len(buf) < fixedLen {
		return AvlRecord{}, nil, &frame.MalformedFrame{Reason: "teltonika AvlData shorter than fixed fields", Offset: 0}
	}
	ts := binary.BigEndian.Uint64(buf[0:8])
	priority := buf[8]
	lon := int32(binary.BigEndian.Uint32(buf[9:13]))
	lat := int32(binary.BigEndian.Uint32(buf[13:17]))
	alt := int16(binary.BigEndian.Uint16(buf[17:19]))
	course := binary.BigEndian.Uint16(buf[19:21]) // spec note: scaled *100 in this firmware family, not *10
	sats := buf[21]
	speed := binary.BigEndian.Uint16(buf[22:24])
	eventID := buf[24]
	ioCount := buf[25]
	_ = ioCount

	rec := AvlRecord{
		Time:      time.UnixMilli(int64(ts)).UTC(),
		Priority:  priority,
		Longitude: float64(lon) / 1e7,
		Latitude:  float64(lat) / 1e7,
		Altitude:  int(alt),
		Course:    int(course) / 100,
		Satellite: sats,
		Speed:     int(speed),
		EventID:   eventID,
	}

	cursor := buf[26:]
	widths := []int{1, 2, 4, 8}
	for _, width := range widths {
		if len(cursor) < 1 {
			return AvlRecord{}, nil, &frame.MalformedFrame{Reason: "teltonika AvlData missing io group count", Offset: 0}
		}
		n := cursor[0]
		cursor = cursor[1:]
		for i := byte(0); i < n; i++ {
			if len(cursor) < 1+width {
				return AvlRecord{}, nil, &frame.MalformedFrame{Reason: "teltonika AvlData io element truncated", Offset: 0}
			}
			id := cursor[0]
			var value uint64
			switch width {
			case 1:
				value = uint64(cursor[1])
			case 2:
				value = uint64(binary.BigEndian.Uint16(cursor[1:3]))
			case 4:
				value = uint64(binary.BigEndian.Uint32(cursor[1:5]))
			case 8:
				value = binary.BigEndian.Uint64(cursor[1:9])
			}
			rec.IO = append(rec.IO, IOValue{ID: id, Value: value})
			cursor = cursor[1+width:]
		}
	}
	return rec, cursor, nil
}

// AckLogin is the literal acknowledgement for a login frame.
func AckLogin() []byte { return []byte{0x01} }

// AckData is the literal acknowledgement for a data frame: big-endian
// uint32 of the number of records it carried.
func AckData(recordCount int) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(recordCount))
	return out
}
