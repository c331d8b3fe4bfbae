package handler

import (
	"encoding/binary"
	"fmt"

	"github.com/maprox/gps-gateway/internal/command"
	"github.com/maprox/gps-gateway/internal/naviset"
	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

// navisetAdapter drives the Naviset protocol: head packets identify the
// device, data packets carry one or more DataItems, answer packets are
// the device's reply to an outbound command.
type navisetAdapter struct{}

// NewNavisetAdapter returns the Adapter for Naviset connections.
func NewNavisetAdapter() Adapter { return navisetAdapter{} }

func (navisetAdapter) Name() string { return "naviset" }

func (navisetAdapter) Next(buf []byte) (ParsedFrame, []byte, bool, error) {
	if len(buf) < 4 {
		return ParsedFrame{}, buf, false, nil
	}
	bodyLen := int(binary.LittleEndian.Uint16(buf[0:2]) &^ (0b11 << 14))
	if len(buf) < 2+bodyLen+2 {
		return ParsedFrame{}, buf, false, nil
	}
	p, tail, err := naviset.Parse(buf)
	if err != nil {
		return ParsedFrame{}, nil, true, err
	}

	switch p.Kind {
	case naviset.KindHead:
		return ParsedFrame{UID: p.DeviceIMEI, HeaderOnly: true, Ack: p.Raw()}, tail, true, nil
	case naviset.KindAnswer:
		// A device's reply to an outbound command carries no location
		// data; it is echoed back as its own acknowledgement per
		// spec.md §6 ("CRC-16/Modbus over received frame echoed").
		return ParsedFrame{Ack: p.Raw()}, tail, true, nil
	default: // KindData
		var packets []observer.Packet
		for _, item := range p.Items {
			op := observer.Packet{}
			op.SetTime(item.Time)
			op["latitude"] = item.Latitude
			op["longitude"] = item.Longitude
			op["speed"] = item.Speed
			op["azimuth"] = item.Azimuth
			op["altitude"] = item.Altitude
			op["hdop"] = item.HDOP
			op["satellitescount"] = item.SatellitesCount
			packets = append(packets, op)
		}
		return ParsedFrame{Packets: packets, Ack: p.Raw()}, tail, true, nil
	}
}

// ConfigAnswerMatches: the recovered Naviset source never defines a
// binary configuration push/echo handshake (only discrete commands), so
// any non-empty reply is accepted.
func (navisetAdapter) ConfigAnswerMatches(_, answer []byte) bool {
	return len(answer) > 0
}

// InitiationData: no getInitiationData override exists for Naviset in
// the recovered source.
func (navisetAdapter) InitiationData(*observer.DeviceConfig) []map[string]any { return nil }

// BuildCommand renders a Naviset command by name, satisfying CommandSet.
func (navisetAdapter) BuildCommand(action string, value any) ([]byte, error) {
	switch action {
	case "getstatus":
		return command.BuildNavisetSimple(command.NavisetGetStatus), nil
	case "getimei":
		return command.BuildNavisetSimple(command.NavisetGetImei), nil
	case "getregisteredibuttons":
		return command.BuildNavisetSimple(command.NavisetGetRegisteredIButtons), nil
	case "getphones":
		return command.BuildNavisetSimple(command.NavisetGetPhones), nil
	case "gettrackparams":
		return command.BuildNavisetSimple(command.NavisetGetTrackParams), nil
	case "removetrackfrombuffer":
		return command.BuildNavisetSimple(command.NavisetRemoveTrackFromBuffer), nil
	case "restart":
		return command.BuildNavisetSimple(command.NavisetRestart), nil
	case "setgprsparams":
		ip, port, err := ipPortParams(value)
		if err != nil {
			return nil, err
		}
		return command.BuildNavisetIPPort(command.NavisetSetGprsParams, ip, port), nil
	case "getimage":
		// GetImage(20) carries the same ip/port shape as SetGprsParams in
		// this port; resolution/camera-id parameters are unresolved
		// upstream too (see DESIGN.md).
		ip, port, err := ipPortParams(value)
		if err != nil {
			return nil, err
		}
		return command.BuildNavisetIPPort(command.NavisetGetImage, ip, port), nil
	default:
		return nil, fmt.Errorf("naviset: %w: %q", ErrUnknownAction, action)
	}
}

func ipPortParams(value any) (string, uint16, error) {
	fields, ok := value.(map[string]any)
	if !ok {
		return "", 0, fmt.Errorf("expected ip/port parameters")
	}
	ip, _ := fields["ip"].(string)
	var port uint16
	switch v := fields["port"].(type) {
	case float64:
		port = uint16(v)
	case int:
		port = uint16(v)
	}
	return ip, port, nil
}
