package handler

import (
	"encoding/binary"
	"fmt"

	"github.com/maprox/gps-gateway/internal/command"
	"github.com/maprox/gps-gateway/internal/teltonika"
	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

// teltonikaAdapter drives the Teltonika FMXXXX protocol. A login frame
// (2-byte length + ASCII IMEI) always opens the connection; every frame
// after it is a zero-preamble data frame, distinguished by the four
// leading zero bytes a data frame's preamble always carries (an IMEI
// string never starts that way, since digits are ASCII).
type teltonikaAdapter struct{}

// NewTeltonikaAdapter returns the Adapter for Teltonika connections.
func NewTeltonikaAdapter() Adapter { return teltonikaAdapter{} }

func (teltonikaAdapter) Name() string { return "teltonika" }

func (teltonikaAdapter) Next(buf []byte) (ParsedFrame, []byte, bool, error) {
	if len(buf) < 4 {
		return ParsedFrame{}, buf, false, nil
	}
	if isZeroPreamble(buf) {
		return teltonikaNextData(buf)
	}
	return teltonikaNextLogin(buf)
}

func isZeroPreamble(buf []byte) bool {
	return buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 0
}

func teltonikaNextLogin(buf []byte) (ParsedFrame, []byte, bool, error) {
	length := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+length {
		return ParsedFrame{}, buf, false, nil
	}
	p, tail, err := teltonika.ParseLogin(buf)
	if err != nil {
		return ParsedFrame{}, nil, true, err
	}
	return ParsedFrame{UID: p.DeviceIMEI, HeaderOnly: true, Ack: teltonika.AckLogin()}, tail, true, nil
}

func teltonikaNextData(buf []byte) (ParsedFrame, []byte, bool, error) {
	if len(buf) < 8 {
		return ParsedFrame{}, buf, false, nil
	}
	payloadLen := int(binary.BigEndian.Uint32(buf[4:8]))
	total := 8 + payloadLen + 4
	if len(buf) < total {
		return ParsedFrame{}, buf, false, nil
	}
	p, tail, err := teltonika.ParseData(buf)
	if err != nil {
		return ParsedFrame{}, nil, true, err
	}

	packets := make([]observer.Packet, 0, len(p.Records))
	for _, rec := range p.Records {
		op := observer.Packet{}
		op.SetTime(rec.Time)
		op["latitude"] = rec.Latitude
		op["longitude"] = rec.Longitude
		op["altitude"] = rec.Altitude
		op["azimuth"] = rec.Course
		op["satellitescount"] = rec.Satellite
		op["speed"] = rec.Speed
		op["hdop"] = 1 // TeltonikaHandler.translate: "temporarily manual value of hdop"
		sensors := map[string]any{"event_id": rec.EventID, "priority": rec.Priority}
		for _, io := range rec.IO {
			sensors[fmt.Sprintf("io%d", io.ID)] = io.Value
		}
		op["sensors"] = sensors
		packets = append(packets, op)
	}
	return ParsedFrame{Packets: packets, Ack: teltonika.AckData(len(p.Records))}, tail, true, nil
}

// ConfigAnswerMatches compares a device's reply against the
// configuration blob's packet id, the only configuration handshake the
// recovered source defines precisely (TeltonikaConfiguration.isCorrectAnswer).
func (teltonikaAdapter) ConfigAnswerMatches(pendingConfig, answer []byte) bool {
	if len(pendingConfig) == 0 {
		return len(answer) > 0
	}
	cfg := command.NewTeltonikaConfig(pendingConfig[0])
	return cfg.IsCorrectAnswer(answer)
}

// InitiationData mirrors TeltonikaHandler.getInitiationData: a
// push-SMS buffer carrying the server address and credentials, encoded
// as a binary-hex SMS message.
func (teltonikaAdapter) InitiationData(cfg *observer.DeviceConfig) []map[string]any {
	if cfg == nil {
		return nil
	}
	return []map[string]any{{
		"message": fmt.Sprintf("%s:%s@%s:%d,apn=%s", cfg.Device.Login, cfg.Device.Password, cfg.Host, cfg.Port, cfg.GPRS.APN),
		"bin":     true,
		"push":    true,
	}}
}

// BuildCommand renders a Teltonika command by name, satisfying
// CommandSet. Only "restart" has a direct analogue in the recovered
// source (sendCommand is a stub logging "[IS NOT IMPLEMENTED]"); the
// rest report ErrUnknownAction since TeltonikaHandler never defines
// Naviset-style numbered commands.
func (teltonikaAdapter) BuildCommand(action string, value any) ([]byte, error) {
	switch action {
	case "restart":
		cfg := command.NewTeltonikaConfig(1)
		return cfg.Build(), nil
	default:
		return nil, fmt.Errorf("teltonika: %w: %q", ErrUnknownAction, action)
	}
}
