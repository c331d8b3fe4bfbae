// Package frame holds the framed-binary packet bookkeeping shared by the
// Autolink, Naviset, Galileo and Teltonika codecs: the parsed span and
// tail of each frame, lazy rebuilding of the raw bytes after a mutation,
// and the MalformedFrame/UnknownPrefix errors. Header, length, body and
// checksum parsing live in each codec package.
package frame

import "fmt"

// MalformedFrame is returned when a buffer fails to parse or its checksum
// does not match. Per the gateway's error policy the caller logs this and
// discards the remainder of the current read burst without closing the
// connection.
type MalformedFrame struct {
	Reason string
	Offset int
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame at offset %d: %s", e.Offset, e.Reason)
}

// UnknownPrefix is returned by a protocol factory when the first byte(s)
// of a buffer don't map to any known frame kind. Policy is identical to
// MalformedFrame.
type UnknownPrefix struct {
	Prefix []byte
}

func (e *UnknownPrefix) Error() string {
	return fmt.Sprintf("unknown frame prefix: % X", e.Prefix)
}

// Frame is the parsed structural view of one wire frame. Implementations
// embed Base, which provides these methods; their own header, length and
// checksum conventions live in their parse functions.
type Frame interface {
	// Raw returns the frame's own bytes, rebuilding them first if a
	// mutation is pending.
	Raw() []byte
	// Tail returns the remainder of the buffer this frame was parsed
	// from, i.e. everything after Raw().
	Tail() []byte
	// Length returns the total frame length in bytes.
	Length() int
}

// Base implements the common lifecycle: a frame owns its raw bytes and a
// tail view into the remainder of the buffer it was parsed from. Instead
// of the single "rebuild" boolean the original implementation consults
// from every getter, Base tracks two explicit states: dirty (a mutator
// fired since the bytes were last built) and the cached built bytes.
// Accessors call ensureBuilt() before reading; mutators call
// invalidate() to force the next accessor to rebuild.
type Base struct {
	raw   []byte
	tail  []byte
	dirty bool

	// Builder, when set, produces fresh raw bytes from the frame's
	// current field values. Protocol-specific frame types set this in
	// their constructor to close over their own head/body/checksum
	// composition.
	Builder func() []byte
}

// SetParsed records the bytes a successful parse consumed (raw) and the
// remainder of the input buffer (tail). It clears the dirty flag: the
// frame was just built by the wire, not by field mutation.
func (b *Base) SetParsed(raw, tail []byte) {
	b.raw = raw
	b.tail = tail
	b.dirty = false
}

// Invalidate marks the frame dirty: the next call to Raw() rebuilds the
// cached bytes from current field values via Builder.
func (b *Base) Invalidate() {
	b.dirty = true
}

// Raw returns the frame's bytes, rebuilding them first if dirty.
func (b *Base) Raw() []byte {
	b.ensureBuilt()
	return b.raw
}

// Tail returns the bytes of the input buffer after this frame.
func (b *Base) Tail() []byte {
	return b.tail
}

// Length returns len(Raw()).
func (b *Base) Length() int {
	return len(b.Raw())
}

func (b *Base) ensureBuilt() {
	if !b.dirty {
		return
	}
	if b.Builder == nil {
		return
	}
	b.raw = b.Builder()
	b.dirty = false
}
