package command

import "fmt"

// CFG_* parameter ids for TeltonikaConfig.AddParam. The original source
// names these constants (CFG_TARGET_SERVER_IP_ADDRESS and friends) but
// their wire values lived in a packets.py module that was not part of
// the recovered original source; the ids below are assigned in the same
// order getConfigurationPacket builds them and documented in DESIGN.md
// as an invented-but-consistent numbering.
const (
	CfgTargetServerIPAddress        byte = 1
	CfgTargetServerPort             byte = 2
	CfgAPNName                      byte = 3
	CfgAPNUsername                  byte = 4
	CfgAPNPassword                  byte = 5
	CfgSMSLogin                     byte = 6
	CfgSMSPassword                  byte = 7
	CfgGPRSContentActivation        byte = 8
	CfgOperatorList                 byte = 9
	CfgVehicleOnStopMinPeriod       byte = 10
	CfgVehicleOnStopMinSavedRecords byte = 11
	CfgVehicleOnStopSendPeriod      byte = 12
	CfgVehicleMovingMinPeriod       byte = 13
	CfgVehicleMovingMinSavedRecords byte = 14
	CfgVehicleMovingSendPeriod      byte = 15
)

// TeltonikaConfig is the parameter-TLV blob sent to a device to apply
// server settings: a packet id followed by a run of [param id][length][value]
// records.
type TeltonikaConfig struct {
	PacketID byte
	params   []byte
}

// NewTeltonikaConfig starts a configuration blob with the given packet id.
func NewTeltonikaConfig(packetID byte) *TeltonikaConfig {
	return &TeltonikaConfig{PacketID: packetID}
}

// AddParam appends one [id][len][value] record. value is rendered as its
// decimal string form for integers, or used verbatim for strings.
func (c *TeltonikaConfig) AddParam(id byte, value any) {
	var encoded string
	switch v := value.(type) {
	case string:
		encoded = v
	default:
		encoded = fmt.Sprintf("%v", v)
	}
	c.params = append(c.params, id, byte(len(encoded)))
	c.params = append(c.params, []byte(encoded)...)
}

// Build serializes the configuration blob: packet id followed by every
// parameter record added so far.
func (c *TeltonikaConfig) Build() []byte {
	out := make([]byte, 0, 1+len(c.params))
	out = append(out, c.PacketID)
	out = append(out, c.params...)
	return out
}

// IsCorrectAnswer reports whether a device's reply to this configuration
// blob matches what's expected: a single byte echoing the packet id.
func (c *TeltonikaConfig) IsCorrectAnswer(answer []byte) bool {
	return len(answer) == 1 && answer[0] == c.PacketID
}
