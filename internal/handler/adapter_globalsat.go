package handler

import (
	"bytes"

	"github.com/maprox/gps-gateway/internal/globalsat"
	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

// globalsatAdapter drives the Globalsat TR-151 text-line protocol. Every
// line is self-delimited by a leading '$' and a trailing '!', so Next
// looks for that pair instead of a binary header/length.
type globalsatAdapter struct {
	parser *globalsat.Parser
}

// NewGlobalsatAdapter returns the Adapter for Globalsat connections,
// compiled against the given device report format (empty string falls
// back to globalsat.DefaultReportFormat).
func NewGlobalsatAdapter(reportFormat string) Adapter {
	return &globalsatAdapter{parser: globalsat.NewParser(reportFormat)}
}

func (*globalsatAdapter) Name() string { return "globalsat" }

func (a *globalsatAdapter) Next(buf []byte) (ParsedFrame, []byte, bool, error) {
	start := bytes.IndexByte(buf, '$')
	if start < 0 {
		return ParsedFrame{}, nil, true, nil
	}
	end := bytes.IndexByte(buf[start:], '!')
	if end < 0 {
		return ParsedFrame{}, buf, false, nil
	}
	line := buf[start : start+end+1]
	tail := buf[start+end+1:]

	records := a.parser.ParseBuffer(line)
	if len(records) == 0 {
		// Line delimiters present but the report format didn't match;
		// treated as a malformed frame so the burst-discard policy applies.
		return ParsedFrame{}, nil, true, &unrecognizedLineError{line: string(line)}
	}

	var packets []observer.Packet
	var uid string
	for _, rec := range records {
		if rec.UID != "" {
			uid = rec.UID
		}
		op := observer.Packet{}
		op.SetTime(rec.Time)
		op["latitude"] = rec.Latitude
		op["longitude"] = rec.Longitude
		op["altitude"] = rec.Altitude
		op["speed"] = rec.Speed
		op["azimuth"] = rec.Azimuth
		op["satellitescount"] = rec.SatellitesCount
		op["hdop"] = rec.HDOP
		op["sensors"] = rec.Sensors
		packets = append(packets, op)
	}
	return ParsedFrame{UID: uid, Packets: packets, Ack: globalsat.Ack()}, tail, true, nil
}

type unrecognizedLineError struct{ line string }

func (e *unrecognizedLineError) Error() string {
	return "globalsat: line did not match report format: " + e.line
}

// ConfigAnswerMatches: TR-151 has no binary configuration-push handshake
// in the recovered source; a device applies settings sent over SMS and
// never echoes them back over the socket.
func (*globalsatAdapter) ConfigAnswerMatches(_, answer []byte) bool {
	return len(answer) > 0
}

// InitiationData: no getInitiationData override exists for Globalsat in
// the recovered source (TR-151 devices are provisioned entirely by SMS,
// outside this gateway's socket protocol).
func (*globalsatAdapter) InitiationData(*observer.DeviceConfig) []map[string]any { return nil }
