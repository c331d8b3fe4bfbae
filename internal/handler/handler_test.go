package handler

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal net.Conn over an in-memory buffer pair: reads
// drain a preloaded queue of "read events" (each either bytes or a
// timeout), writes accumulate into Written.
type fakeConn struct {
	mu      sync.Mutex
	events  []readEvent
	Written bytes.Buffer
	closed  bool
}

type readEvent struct {
	data    []byte
	timeout bool
	eof     bool
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func (c *fakeConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return 0, errors.New("eof")
	}
	ev := c.events[0]
	c.events = c.events[1:]
	if ev.timeout {
		return 0, fakeTimeoutErr{}
	}
	if ev.eof {
		return 0, errors.New("connection reset")
	}
	n := copy(b, ev.data)
	return n, nil
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Written.Write(b)
}

func (c *fakeConn) Close() error                       { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (c *fakeConn) SetDeadline(time.Time) error         { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error     { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error    { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

// stubAdapter is a hand-rolled Adapter for exercising Session without
// any one protocol's wire format.
type stubAdapter struct {
	frames []ParsedFrame
	err    error
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Next(buf []byte) (ParsedFrame, []byte, bool, error) {
	if s.err != nil {
		err := s.err
		s.err = nil
		return ParsedFrame{}, nil, true, err
	}
	if len(s.frames) == 0 {
		return ParsedFrame{}, buf, false, nil
	}
	pf := s.frames[0]
	s.frames = s.frames[1:]
	return pf, nil, true, nil
}

func (s *stubAdapter) ConfigAnswerMatches(_, answer []byte) bool { return len(answer) > 0 }
func (s *stubAdapter) InitiationData(*observer.DeviceConfig) []map[string]any { return nil }

type stubPipe struct {
	sent     []observer.Packet
	sendErr  error
	saved    map[string][]byte
	closedID []string
}

func (p *stubPipe) Send(_ context.Context, packets []observer.Packet) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, packets...)
	return nil
}

func (p *stubPipe) Save(_ context.Context, uid string, raw []byte) error {
	if p.saved == nil {
		p.saved = map[string][]byte{}
	}
	p.saved[uid] = raw
	return nil
}

func (p *stubPipe) CloseTask(_ context.Context, taskID string, _ any) error {
	p.closedID = append(p.closedID, taskID)
	return nil
}

type stubStorage struct {
	saved map[string][]byte
}

func (s *stubStorage) Save(uid string, data []byte) error {
	if s.saved == nil {
		s.saved = map[string][]byte{}
	}
	s.saved[uid] = data
	return nil
}

type stubCommands struct {
	pending  map[string]*Command
	complete []observer.CommandStatus
}

func (c *stubCommands) Poll(_ context.Context, uid string) (*Command, error) {
	if c.pending == nil {
		return nil, nil
	}
	cmd := c.pending[uid]
	delete(c.pending, uid)
	return cmd, nil
}

func (c *stubCommands) Complete(_ context.Context, guid string, status observer.CommandStatus, data string) error {
	c.complete = append(c.complete, status)
	return nil
}

func testLogger() *log.Logger { return log.New(bytes.NewBuffer(nil), "", 0) }

func TestStateString(t *testing.T) {
	assert.Equal(t, "NEW", StateNew.String())
	assert.Equal(t, "IDENTIFIED", StateIdentified.String())
	assert.Equal(t, "CONFIGURING", StateConfiguring.String())
	assert.Equal(t, "RECEIVING_IMAGE", StateReceivingImage.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
}

func TestHandleFrameHeaderOnlyIdentifies(t *testing.T) {
	adapter := &stubAdapter{frames: []ParsedFrame{{UID: "123456", HeaderOnly: true, Ack: []byte{0x01}}}}
	s := NewSession(adapter, nil, nil, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}

	s.handleFrame(context.Background(), conn, ParsedFrame{UID: "123456", HeaderOnly: true, Ack: []byte{0x01}})

	assert.Equal(t, "123456", s.UID())
	assert.Equal(t, StateIdentified, s.State())
	assert.Equal(t, []byte{0x01}, conn.Written.Bytes())
}

func TestHandleFrameDropsUnidentifiedData(t *testing.T) {
	pipe := &stubPipe{}
	s := NewSession(&stubAdapter{}, pipe, nil, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}

	s.handleFrame(context.Background(), conn, ParsedFrame{Packets: []observer.Packet{{"speed": 1.0}}})

	assert.Empty(t, pipe.sent)
	assert.Equal(t, StateNew, s.State())
}

func TestHandleFrameForwardsPacketsAfterIdentification(t *testing.T) {
	pipe := &stubPipe{}
	s := NewSession(&stubAdapter{}, pipe, nil, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}

	s.handleFrame(context.Background(), conn, ParsedFrame{UID: "999", HeaderOnly: true})
	s.handleFrame(context.Background(), conn, ParsedFrame{Packets: []observer.Packet{{"speed": 12.5}}, Ack: []byte{0xAA}})

	require.Len(t, pipe.sent, 1)
	assert.Equal(t, "999", pipe.sent[0]["uid"])
	assert.Equal(t, []byte{0xAA}, conn.Written.Bytes())
}

func TestHandleFrameSpoolsToStorageOnPipeFailure(t *testing.T) {
	pipe := &stubPipe{sendErr: errors.New("downstream unavailable")}
	storage := &stubStorage{}
	s := NewSession(&stubAdapter{}, pipe, nil, nil, storage, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}
	s.raw = []byte{0xDE, 0xAD}

	s.handleFrame(context.Background(), conn, ParsedFrame{UID: "777", HeaderOnly: true})
	s.handleFrame(context.Background(), conn, ParsedFrame{Packets: []observer.Packet{{"speed": 1.0}}})

	assert.Empty(t, pipe.sent)
	assert.Equal(t, []byte{0xDE, 0xAD}, storage.saved["777"])
}

type fakeDevices struct {
	cfg *observer.DeviceConfig
}

func (d *fakeDevices) Get(uid string) (*observer.DeviceConfig, error) { return d.cfg, nil }
func (d *fakeDevices) ClearPendingConfig(uid string) error {
	d.cfg.PendingConfig = nil
	return nil
}

func TestRunConfigHandshakeMatch(t *testing.T) {
	cfg := &observer.DeviceConfig{PendingConfig: []byte{0x10, 0x20}}
	devices := &fakeDevices{cfg: cfg}
	adapter := &stubAdapter{}
	s := NewSession(adapter, nil, devices, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{events: []readEvent{{data: []byte{0x01}}}}

	s.runConfigHandshake(conn, "abc", cfg)

	assert.Nil(t, cfg.PendingConfig)
	assert.Equal(t, StateIdentified, s.State())
	assert.Equal(t, []byte{0x10, 0x20}, conn.Written.Bytes())
}

func TestReadBurstEndsOnShortRead(t *testing.T) {
	s := NewSession(&stubAdapter{}, nil, nil, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{events: []readEvent{{data: []byte{1, 2, 3}}}}

	burst, closed, err := s.readBurst(conn, make([]byte, 64))

	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, []byte{1, 2, 3}, burst)
}

func TestReadBurstTimeoutKeepsConnectionOpen(t *testing.T) {
	s := NewSession(&stubAdapter{}, nil, nil, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{events: []readEvent{{timeout: true}}}

	burst, closed, err := s.readBurst(conn, make([]byte, 64))

	require.NoError(t, err)
	assert.False(t, closed)
	assert.Empty(t, burst)
}

func TestReadBurstHardErrorClosesConnection(t *testing.T) {
	s := NewSession(&stubAdapter{}, nil, nil, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{events: []readEvent{{eof: true}}}

	burst, closed, err := s.readBurst(conn, make([]byte, 64))

	require.NoError(t, err)
	assert.True(t, closed)
	assert.Empty(t, burst)
}

func TestProcessBurstDiscardsRemainderOnMalformedFrame(t *testing.T) {
	adapter := &stubAdapter{err: errors.New("bad checksum")}
	s := NewSession(adapter, nil, nil, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}
	s.buffer = []byte{0xFF, 0xFF, 0xFF}

	s.processBurst(context.Background(), conn)

	assert.Empty(t, s.buffer)
}

func TestImageTransferAssemblesOnTerminalChunk(t *testing.T) {
	pipe := &stubPipe{}
	s := NewSession(&stubAdapter{}, pipe, nil, nil, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}

	s.handleFrame(context.Background(), conn, ParsedFrame{UID: "img1", HeaderOnly: true})
	s.handleImageChunk(context.Background(), "img1", ParsedFrame{ImageChunk: []byte("AB"), ImagePart: 0})
	assert.Equal(t, StateReceivingImage, s.State())
	s.handleImageChunk(context.Background(), "img1", ParsedFrame{ImageChunk: []byte("CD"), ImagePart: 1})
	s.handleImageChunk(context.Background(), "img1", ParsedFrame{ImageChunk: []byte{}, ImagePart: 2})

	assert.Equal(t, StateIdentified, s.State())
	require.Len(t, pipe.sent, 1)
	assert.Equal(t, "img1", pipe.sent[0]["uid"])
}

func TestProcessCommandUnknownActionReportsError(t *testing.T) {
	commands := &stubCommands{}
	s := NewSession(&stubAdapter{}, nil, nil, commands, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}

	s.ProcessCommand(context.Background(), conn, &Command{UID: "u1", GUID: "g1", Action: "bogus"})

	require.Len(t, commands.complete, 1)
	assert.Equal(t, observer.CommandError, commands.complete[0])
}

func TestProcessCommandKnownActionReportsSuccess(t *testing.T) {
	commands := &stubCommands{}
	s := NewSession(NewNavisetAdapter(), nil, nil, commands, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}

	s.ProcessCommand(context.Background(), conn, &Command{UID: "u1", GUID: "g1", Action: "getstatus"})

	require.Len(t, commands.complete, 1)
	assert.Equal(t, observer.CommandSuccess, commands.complete[0])
	assert.NotEmpty(t, conn.Written.Bytes())
}

func TestDispatchPendingCommandEnforcesAtMostOneInFlight(t *testing.T) {
	commands := &stubCommands{pending: map[string]*Command{"u1": {UID: "u1", GUID: "g1", Action: "getstatus"}}}
	s := NewSession(NewNavisetAdapter(), nil, nil, commands, nil, testLogger(), time.Second, 64, "test")
	conn := &fakeConn{}

	s.mu.Lock()
	s.inFlight["g1"] = struct{}{}
	s.mu.Unlock()

	s.dispatchPendingCommand(context.Background(), conn, "u1")

	assert.Empty(t, commands.complete)
}

func TestNavisetAdapterBuildCommandUnknownAction(t *testing.T) {
	adapter := NewNavisetAdapter().(CommandSet)
	_, err := adapter.BuildCommand("doesnotexist", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestAutolinkAdapterEndToEnd(t *testing.T) {
	adapter := NewAutolinkAdapter()

	header := make([]byte, 10)
	header[0] = 0xFF
	header[1] = 0x01
	// little-endian IMEI bytes 2:10 left zero -> IMEI "0"
	pf, tail, ok, err := adapter.Next(header)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, pf.HeaderOnly)
	assert.Empty(t, tail)
}
