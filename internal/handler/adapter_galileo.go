package handler

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/maprox/gps-gateway/internal/galileo"
	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

func unixSeconds(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

// galileoAdapter drives the Galileo protocol. A single transport frame
// may carry several device-time samples (galileo.Packet.Samples); the
// first sample carrying an IMEI identifies the device, exactly like
// GalileoHandler.translate's packet['uid'] assignment from tag 3.
type galileoAdapter struct{}

// NewGalileoAdapter returns the Adapter for Galileo connections.
func NewGalileoAdapter() Adapter { return galileoAdapter{} }

func (galileoAdapter) Name() string { return "galileo" }

func (galileoAdapter) Next(buf []byte) (ParsedFrame, []byte, bool, error) {
	if len(buf) < 5 {
		return ParsedFrame{}, buf, false, nil
	}
	if len(buf) < 3+int(binary.LittleEndian.Uint16(buf[1:3]))+2 {
		return ParsedFrame{}, buf, false, nil
	}
	p, tail, err := galileo.Parse(buf)
	if err != nil {
		return ParsedFrame{}, nil, true, err
	}

	if p.Header == galileo.HeaderImage {
		return galileoImageFrame(p), tail, true, nil
	}

	uid, packets := galileoTranslateSamples(p.Samples)
	ack := galileo.AckBytes(p.Checksum())
	return ParsedFrame{UID: uid, Packets: packets, Ack: ack}, tail, true, nil
}

// galileoTranslateSamples mirrors GalileoHandler.processProtocolPacket: the
// first sample carrying a uid becomes the headpack. If it has no time of
// its own it's a pure identification sample and is never forwarded on its
// own; its uid2 and other identifying fields are instead merged onto every
// sibling sample in the frame (packet.update(self.headpack)).
func galileoTranslateSamples(samples []galileo.Sample) (string, []observer.Packet) {
	var packets []observer.Packet
	var uid string
	var headpack observer.Packet
	var sawHeadpack bool
	for _, sample := range samples {
		op := observer.Packet{}
		if sample.HasTime {
			op.SetTime(unixSeconds(sample.Time))
		}
		if sample.HasGeo {
			op["latitude"] = sample.Latitude
			op["longitude"] = sample.Longitude
			op["sat_count"] = sample.SatCount
		}
		op["speed"] = sample.Speed
		op["azimuth"] = sample.Azimuth
		op["altitude"] = sample.Altitude
		op["hdop"] = sample.HDOP
		if sample.UID2 != "" {
			op["uid2"] = sample.UID2
		}
		op["sensors"] = sample.Sensors

		if sample.UID != "" {
			uid = sample.UID
		}
		if !sawHeadpack && sample.UID != "" {
			sawHeadpack = true
			headpack = op
			if !sample.HasTime {
				continue
			}
		}
		packets = append(packets, op)
	}
	for _, op := range packets {
		op.Merge(headpack)
	}
	return uid, packets
}

// galileoImageFrame handles a HeaderImage frame: the body's first two
// bytes (little-endian) are the partition number, the rest is that
// partition's chunk. An empty-bodied frame (no bytes beyond the
// partition number) marks the transfer complete, matching
// ImageTransfer's terminal-empty-chunk convention. No getPhotoFilename
// counterpart survived in the recovered source for this header kind, so
// the partition layout is inferred from GalileoHandler's general
// tag-run convention rather than grounded directly.
func galileoImageFrame(p *galileo.Packet) ParsedFrame {
	ack := galileo.AckBytes(p.Checksum())
	if len(p.Body) < 2 {
		return ParsedFrame{ImageChunk: []byte{}, Ack: ack}
	}
	part := int(p.Body[0]) | int(p.Body[1])<<8
	return ParsedFrame{ImageChunk: append([]byte{}, p.Body[2:]...), ImagePart: part, Ack: ack}
}

// ConfigAnswerMatches: Galileo has no binary config-push handshake in
// the recovered source (getInitiationData returns a list of SMS-style
// text commands instead); any non-empty reply is accepted.
func (galileoAdapter) ConfigAnswerMatches(_, answer []byte) bool {
	return len(answer) > 0
}

// InitiationData mirrors GalileoHandler.getInitiationData: three
// human-readable configuration commands (phone registration, server
// address, APN credentials) rather than a binary blob.
func (galileoAdapter) InitiationData(cfg *observer.DeviceConfig) []map[string]any {
	if cfg == nil {
		return nil
	}
	return []map[string]any{
		{"message": "AddPhone 1234"},
		{"message": fmt.Sprintf("ServerIp %s,%d", cfg.Host, cfg.Port)},
		{"message": fmt.Sprintf("APN %s,%s,%s", cfg.GPRS.APN, cfg.GPRS.Username, cfg.GPRS.Password)},
	}
}
