// Package globalsat implements the Globalsat TR-151 text-line protocol.
// Each record is a single "$..."-delimited ASCII line whose field layout
// is described by a user-configurable "report format" string: each
// character of the format names the next comma-separated field. A
// regular expression is compiled once from that string and every match
// in an input buffer is one record.
//
// Ported from original_source/lib/handlers/globalsat/tr151.py.
package globalsat

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultReportFormat is the TR-151 factory report format: device
// report-mode, GPS validity, date+time, longitude, latitude, altitude,
// speed (knots), azimuth, satellite count, HDOP.
const DefaultReportFormat = "RAB27GHKLM"

// reportFieldPatterns maps a format character to the regex fragment that
// matches its value.
var reportFieldPatterns = map[byte]string{
	'A': `\d+`,
	'B': `\d{6},\d{6}`,
	'2': `[EW]\d+(?:\.\d+)?`,
	'7': `[NS]\d+(?:\.\d+)?`,
	'G': `\d+(?:\.\d+)?`,
	'H': `\d+(?:\.\d+)?`,
	'K': `\d+(?:\.\d+)?`,
	'L': `\d+`,
	'M': `\d+(?:\.\d+)?`,
	'N': `\d+`,
	'R': `\d+`,
}

const unknownFieldPattern = `[\w.]+`

// fieldName maps a format character to its regex capture-group name: a
// digit character gets a "d" prefix since Go (like Python) disallows a
// bare digit as the start of a group name.
func fieldName(char byte) string {
	if char >= '0' && char <= '9' {
		return "d" + string(char)
	}
	return string(char)
}

// compileLineRegex builds the line regex from a report format string.
// withDollar controls whether the line must start with a literal "$"
// (socket report format) or not (the SMS-delivered initiation format).
func compileLineRegex(format string, withDollar bool) *regexp.Regexp {
	var b strings.Builder
	if withDollar {
		b.WriteString(`\$`)
	}
	b.WriteString(`(?P<S>\w+)`)
	for i := 0; i < len(format); i++ {
		char := format[i]
		pattern, ok := reportFieldPatterns[char]
		if !ok {
			pattern = unknownFieldPattern
		}
		fmt.Fprintf(&b, `,(?P<%s>%s)`, fieldName(char), pattern)
	}
	b.WriteString(`!`)
	return regexp.MustCompile(`(?i)` + b.String())
}

// Parser holds the two compiled regexes (socket report, SMS format1) for
// one report-format configuration.
type Parser struct {
	report     *regexp.Regexp
	smsFormat1 *regexp.Regexp
}

// NewParser compiles a Parser for the given report format string. An
// empty format falls back to DefaultReportFormat.
func NewParser(reportFormat string) *Parser {
	if reportFormat == "" {
		reportFormat = DefaultReportFormat
	}
	return &Parser{
		report:     compileLineRegex(reportFormat, true),
		smsFormat1: compileLineRegex(reportFormat, false),
	}
}

// Record is one translated TR-151 line.
type Record struct {
	UID             string
	Time            time.Time
	Latitude        float64
	Longitude       float64
	Altitude        int
	Speed           float64
	Azimuth         int
	SatellitesCount int
	HDOP            float64
	Sensors         map[string]any
}

// ParseBuffer finds every report-format line in data and translates it.
func (p *Parser) ParseBuffer(data []byte) []*Record {
	return parseWith(p.report, string(data))
}

// ParseSMS finds every SMS-format1 line in data and translates it.
func (p *Parser) ParseSMS(data []byte) []*Record {
	return parseWith(p.smsFormat1, string(data))
}

func parseWith(rx *regexp.Regexp, text string) []*Record {
	names := rx.SubexpNames()
	matches := rx.FindAllStringSubmatch(text, -1)
	records := make([]*Record, 0, len(matches))
	for _, m := range matches {
		fields := map[string]string{}
		for i, v := range m {
			if i == 0 || names[i] == "" {
				continue
			}
			fields[names[i]] = v
		}
		records = append(records, translate(fields))
	}
	return records
}

func translate(fields map[string]string) *Record {
	r := &Record{Sensors: map[string]any{}}
	for name, value := range fields {
		switch name {
		case "S":
			r.UID = value
		case "B":
			r.Time = parseReportTime(value)
		case "d1", "d2", "d3":
			r.Longitude = getLongitude(value)
		case "d6", "d7", "d8":
			r.Latitude = getLatitude(value)
		case "G":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				r.Altitude = int(math.Round(v))
			}
		case "H":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				r.Speed = 1.852 * v
			}
		case "I":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				r.Speed = v
			}
		case "J":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				r.Speed = 1.609344 * v
			}
		case "L":
			if v, err := strconv.Atoi(value); err == nil {
				r.SatellitesCount = v
				r.Sensors["sat_count"] = v
			}
		case "K":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				r.Azimuth = int(math.Round(v))
			}
		case "M":
			if v, err := strconv.ParseFloat(value, 64); err == nil {
				r.HDOP = v
			}
		case "A":
			if v, err := strconv.Atoi(value); err == nil && v == 5 {
				r.Sensors["sos"] = 1
			}
		}
	}
	return r
}

// parseReportTime parses TR-151's "DDMMYY,HHMMSS" timestamp as UTC.
func parseReportTime(value string) time.Time {
	t, err := time.Parse("020106,150405", value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// getLongitude converts an "[EW]DDDMM.MMMM" NMEA-style coordinate to
// signed decimal degrees.
func getLongitude(value string) float64 { return getCoordinate(value, 3) }

// getLatitude converts an "[NS]DDMM.MMMM" NMEA-style coordinate to
// signed decimal degrees.
func getLatitude(value string) float64 { return getCoordinate(value, 2) }

func getCoordinate(value string, degreeDigits int) float64 {
	if len(value) == 0 {
		return 0
	}
	hemi := value[0]
	digits := value[1:]
	dotIdx := strings.IndexByte(digits, '.')
	intPart := digits
	if dotIdx >= 0 {
		intPart = digits[:dotIdx]
	}
	if len(intPart) < degreeDigits {
		return 0
	}
	degreesStr := intPart[:degreeDigits]
	minutesStr := digits[degreeDigits:]

	degrees, err := strconv.ParseFloat(degreesStr, 64)
	if err != nil {
		return 0
	}
	minutes, err := strconv.ParseFloat(minutesStr, 64)
	if err != nil {
		return 0
	}
	result := degrees + minutes/60
	if hemi == 'W' || hemi == 'w' || hemi == 'S' || hemi == 's' {
		result = -result
	}
	return result
}

// Ack is the literal acknowledgement for any TR-151 line.
func Ack() []byte { return []byte("$OK!") }
