package handler

import (
	"fmt"

	"github.com/maprox/gps-gateway/internal/autolink"
	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

// autolinkAdapter drives the Autolink protocol: a 0xFF Header identifies
// the device (no ack), a 0x5B Package carries a burst of sub-packets
// each acknowledged individually.
type autolinkAdapter struct{}

// NewAutolinkAdapter returns the Adapter for Autolink connections.
func NewAutolinkAdapter() Adapter { return autolinkAdapter{} }

func (autolinkAdapter) Name() string { return "autolink" }

func (autolinkAdapter) Next(buf []byte) (ParsedFrame, []byte, bool, error) {
	if len(buf) == 0 {
		return ParsedFrame{}, buf, false, nil
	}
	switch buf[0] {
	case autolink.PrefixHeader:
		if len(buf) < 10 {
			return ParsedFrame{}, buf, false, nil
		}
		h, tail, err := autolink.ParseHeader(buf)
		if err != nil {
			return ParsedFrame{}, nil, true, err
		}
		return ParsedFrame{UID: h.DeviceIMEI, HeaderOnly: true}, tail, true, nil

	case autolink.PrefixPackage:
		pkg, tail, err := autolink.ParsePackage(buf)
		if err != nil {
			return ParsedFrame{}, nil, true, err
		}
		return autolinkPackageFrame(pkg), tail, true, nil

	default:
		return ParsedFrame{}, nil, true, fmt.Errorf("autolink: unrecognized prefix 0x%02X", buf[0])
	}
}

func autolinkPackageFrame(pkg *autolink.Package) ParsedFrame {
	var packets []observer.Packet
	var ack []byte
	for _, sub := range pkg.Packets {
		if sub.Kind == autolink.KindData {
			p := observer.Packet{}
			p.SetTime(sub.Timestamp)
			for k, v := range sub.Params() {
				p[k] = v
			}
			packets = append(packets, p)
		}
		ack = sub.AckBytes() // last sub-packet's ack is what gets written back
	}
	return ParsedFrame{Packets: packets, Ack: ack}
}

// ConfigAnswerMatches: Autolink never defines a configuration handshake
// in the recovered source, so any non-empty reply is accepted.
func (autolinkAdapter) ConfigAnswerMatches(_, answer []byte) bool {
	return len(answer) > 0
}

// InitiationData: no getInitiationData override exists for Autolink in
// the recovered source, so it falls back to AbstractHandler's default of
// returning nothing.
func (autolinkAdapter) InitiationData(*observer.DeviceConfig) []map[string]any { return nil }
