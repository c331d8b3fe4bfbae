// Package observer defines the normalized record shapes that cross the
// boundary between a protocol handler and the downstream pipe/broker
// clients: the per-fix DataItem, image transfer assembly, the JSON
// Packet wire shape, and the broker's command/device-config records.
package observer

import (
	"errors"
	"sort"
	"time"
)

// ErrImageTransferCorrupt is returned when an image transfer completes
// with a gap in its partition numbers.
var ErrImageTransferCorrupt = errors.New("image transfer: gap in partition numbers")

// ErrImageTransferTooLarge is returned when accumulating image chunks
// would exceed the configured cap.
var ErrImageTransferTooLarge = errors.New("image transfer: exceeds size cap")

// DefaultImageCap is the per-connection image assembly cap (4 MiB),
// per DESIGN NOTES: unbounded accumulation is a memory hazard if a
// device never sends the terminating empty-body frame.
const DefaultImageCap = 4 * 1024 * 1024

// DataItem is one decoded GPS fix, normalized across all protocol
// codecs.
type DataItem struct {
	Number          uint16
	Time            time.Time
	Latitude        float64
	Longitude       float64
	Speed           float64
	Azimuth         int
	Altitude        int
	HDOP            float64
	SatCount        int
	SatCountGPS     int
	SatCountGlonass int
	Sensors         map[string]any
	// Invalid is set instead of raising an error when a fix fails its
	// coordinate/speed/satellite-count invariants: devices regularly
	// report bad fixes, and dropping them silently loses telemetry an
	// operator may still want visibility into.
	Invalid bool
}

// Valid checks the DataItem invariants: coordinates within WGS-84
// bounds, non-negative speed, and (when both satellite counts are
// present) that they sum to SatCount. It does not mutate the item;
// callers set Invalid themselves based on the result.
func (d *DataItem) Valid() bool {
	if d.Latitude < -90 || d.Latitude > 90 {
		return false
	}
	if d.Longitude < -180 || d.Longitude > 180 {
		return false
	}
	if d.Speed < 0 {
		return false
	}
	if d.SatCountGPS != 0 || d.SatCountGlonass != 0 {
		if d.SatCount != d.SatCountGPS+d.SatCountGlonass {
			return false
		}
	}
	return true
}

// ImageTransfer accumulates partitioned image chunks for one
// in-progress receive. It does not detect the end of a transfer itself:
// the caller calls Assemble once it sees the terminal empty-body frame,
// and the assembled image is the chunks concatenated in ascending
// partition order.
type ImageTransfer struct {
	Parts map[int][]byte
	Cap   int
	size  int
}

// NewImageTransfer starts a transfer capped at DefaultImageCap unless
// cap is positive.
func NewImageTransfer(cap int) *ImageTransfer {
	if cap <= 0 {
		cap = DefaultImageCap
	}
	return &ImageTransfer{Parts: map[int][]byte{}, Cap: cap}
}

// Add stores one partition's chunk (an empty chunk is stored like any
// other). It returns ErrImageTransferTooLarge if the cap would be
// exceeded.
func (t *ImageTransfer) Add(part int, chunk []byte) error {
	if t.size+len(chunk) > t.Cap {
		return ErrImageTransferTooLarge
	}
	t.Parts[part] = chunk
	t.size += len(chunk)
	return nil
}

// Assemble concatenates the accumulated parts in ascending partition
// order. It returns ErrImageTransferCorrupt if the partition numbers
// aren't a contiguous run starting at the transfer's lowest key.
func (t *ImageTransfer) Assemble() ([]byte, error) {
	keys := make([]int, 0, len(t.Parts))
	for k := range t.Parts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for i := 1; i < len(keys); i++ {
		if keys[i] != keys[i-1]+1 {
			return nil, ErrImageTransferCorrupt
		}
	}
	var out []byte
	for _, k := range keys {
		out = append(out, t.Parts[k]...)
	}
	return out, nil
}

// Packet is the normalized outbound record: an open map so every
// protocol's sensor set can flow through without a shared schema. Its
// final wire form is JSON.
type Packet map[string]any

// SetUID sets the device identifier field.
func (p Packet) SetUID(uid string) { p["uid"] = uid }

// SetTime sets the fix time field as a UTC "YYYY-MM-DDTHH:MM:SS.ffffff"
// string (six fractional digits, no zone suffix), matching the JSON
// shape the pipe endpoint expects.
func (p Packet) SetTime(t time.Time) {
	p["time"] = t.UTC().Format("2006-01-02T15:04:05.000000")
}

// Merge copies every key from head into p without overwriting a key p
// already has — the headpack-merge step every protocol handler performs
// before forwarding (uid, and any other fields the header frame alone
// carries).
func (p Packet) Merge(head Packet) {
	for k, v := range head {
		if _, exists := p[k]; !exists {
			p[k] = v
		}
	}
}

// CommandStatus is the lifecycle state of an in-flight command.
type CommandStatus int

// Command lifecycle states, per the broker's local command store.
const (
	CommandCreated CommandStatus = 1
	CommandSuccess CommandStatus = 2
	CommandError   CommandStatus = 3
)

// CommandRecord is the broker's local record of one in-flight command.
type CommandRecord struct {
	UID    string
	GUID   string
	Status CommandStatus
	Data   string
}

// Terminal reports whether the command has reached a final status.
func (c *CommandRecord) Terminal() bool {
	return c.Status == CommandSuccess || c.Status == CommandError
}

// DeviceConfig is the per-uid provisioning record, including any
// pending configuration blob to push to the device on next contact.
type DeviceConfig struct {
	Identifier string
	Host       string
	Port       int
	Device     struct {
		Login    string
		Password string
	}
	GPRS struct {
		APN      string
		Username string
		Password string
	}
	PendingConfig []byte
}

// HasPendingConfig reports whether a configuration blob is queued for
// this device.
func (d *DeviceConfig) HasPendingConfig() bool {
	return len(d.PendingConfig) > 0
}
