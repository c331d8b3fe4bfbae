// Package handler implements the per-connection state machine (C5) that
// drives every protocol from a raw socket burst to normalized observer
// packets and back. It generalizes the teacher's DeviceSession
// (cmd/tcp-server/main.go), which tracked identification state
// implicitly via a non-empty imei string and a renamed log file, into an
// explicit State field, and generalizes
// original_source/lib/handler.py's AbstractHandler.dispatch/recv loop
// (read until a short read ends the burst, then processData) across
// every protocol behind the Adapter interface.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

// State is the connection's position in the per-frame state machine.
type State int

const (
	StateNew State = iota
	StateIdentified
	StateConfiguring
	StateReceivingImage
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateIdentified:
		return "IDENTIFIED"
	case StateConfiguring:
		return "CONFIGURING"
	case StateReceivingImage:
		return "RECEIVING_IMAGE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Errors surfaced by the dispatch loop, matching spec.md's error-kind
// table: UnidentifiedSession (data before header) and
// ConfigHandshakeFailed (device didn't echo the expected answer) join
// frame.MalformedFrame/UnknownPrefix as the named kinds this package
// adds to the ones internal/frame already defines.
var (
	ErrUnidentifiedSession  = errors.New("handler: data frame received before header")
	ErrConfigHandshakeFailed = errors.New("handler: device did not echo expected configuration answer")
	ErrUnknownAction        = errors.New("handler: no registered command handler for action")
	ErrDownstreamUnavailable = errors.New("handler: pipe client unavailable")
)

// ParsedFrame is the protocol-agnostic shape Session drives the six-step
// per-frame dispatch from. Adapters translate their own concrete packet
// types into this before returning from Next.
type ParsedFrame struct {
	// UID is non-empty when this frame carries or confirms device
	// identity (every protocol's header/login frame).
	UID string
	// HeaderOnly marks a frame that only identifies the device (step 1):
	// ack it if Ack is set and stop, per spec.md §4.5 step 1.
	HeaderOnly bool
	// Ack is the bytes to write back immediately, nil if this frame gets
	// no acknowledgement (e.g. an Autolink Header).
	Ack []byte
	// Packets are the normalized fixes ready for translate+forward
	// (step 5). Empty for header-only or image frames.
	Packets []observer.Packet
	// ImageChunk is non-nil for an image transfer frame; an empty
	// (non-nil) slice marks the transfer complete (step 4).
	ImageChunk []byte
	ImagePart  int
}

// Adapter is the protocol-specific half of the handler: it recognizes
// and decodes frames from an accumulated burst and builds outbound
// bytes. One implementation per protocol package lives alongside this
// one (adapter_autolink.go and friends).
type Adapter interface {
	Name() string
	// Next parses the first complete frame from buf. ok is false when
	// buf doesn't yet contain one full frame and the caller should wait
	// for more bytes; err is non-nil only for a frame that's fully
	// present but fails to decode (malformed/checksum), matching
	// spec.md's "log, discard remainder of current burst" policy.
	Next(buf []byte) (pf ParsedFrame, tail []byte, ok bool, err error)
	// ConfigAnswerMatches reports whether a device's reply to a pending
	// configuration blob matches what was expected (step 2). Protocols
	// without a defined comparison (everything but Teltonika's CFG_*
	// handshake) accept any non-empty reply.
	ConfigAnswerMatches(pendingConfig, answer []byte) bool
	// InitiationData builds the provisioning response for the "format"
	// command (AbstractHandler.getInitiationData and its protocol
	// overrides). Returns nil if this protocol has none, matching the
	// base class's default.
	InitiationData(cfg *observer.DeviceConfig) []map[string]any
}

// CommandSet is implemented by protocols whose outbound control packets
// this module renders (currently Naviset and Teltonika, per
// internal/command). Protocols without one (Autolink, Galileo,
// Globalsat) only answer the generic format/execute/readsettings/
// setoption actions.
type CommandSet interface {
	BuildCommand(action string, value any) ([]byte, error)
}

// Command is one inbound AMQP command ready for dispatch: the uid/guid
// pair the broker tracks plus the action name and optional value
// (observer's CommandRecord models the broker's persisted {uid, guid,
// status, data} shape; this is the richer payload a listener hands a
// bound Session).
type Command struct {
	UID    string
	GUID   string
	Action string
	Value  any
}

// Pipe is the subset of the C7 client this package needs: forwarding
// normalized packets, spooling raw bytes on failure, and closing a task
// (AbstractHandler.processCloseTask's pipeFinishUrl POST).
type Pipe interface {
	Send(ctx context.Context, packets []observer.Packet) error
	Save(ctx context.Context, uid string, raw []byte) error
	CloseTask(ctx context.Context, taskID string, data any) error
}

// Devices resolves per-uid provisioning state for the pending-config
// handshake (step 2).
type Devices interface {
	Get(uid string) (*observer.DeviceConfig, error)
	ClearPendingConfig(uid string) error
}

// Commands is the broker-backed source/sink driving step 6: polling a
// pending command for this uid and reporting its outcome.
type Commands interface {
	Poll(ctx context.Context, uid string) (*Command, error)
	Complete(ctx context.Context, guid string, status observer.CommandStatus, data string) error
}

// Storage is the on-disk spool C5 falls back to when Pipe.Send fails.
type Storage interface {
	Save(uid string, data []byte) error
}

// Session is one connection's state machine: identification, pending
// image transfer, and at-most-one-in-flight command tracking, all
// guarded by its own mutex since a single connection never has more
// than one Dispatch goroutine and one command-dispatch goroutine
// touching it concurrently.
type Session struct {
	Adapter  Adapter
	Pipe     Pipe
	Devices  Devices
	Commands Commands
	Storage  Storage
	Logger   *log.Logger

	SocketTimeout time.Duration
	PacketLength  int
	RemoteAddr    string

	mu       sync.Mutex
	state    State
	uid      string
	buffer   []byte
	raw      []byte // last burst's bytes, for storage.Save on pipe failure
	image    *observer.ImageTransfer
	inFlight map[string]struct{}
}

// NewSession constructs a Session in StateNew.
func NewSession(adapter Adapter, pipe Pipe, devices Devices, commands Commands, storage Storage, logger *log.Logger, socketTimeout time.Duration, packetLength int, remoteAddr string) *Session {
	if packetLength <= 0 {
		packetLength = 4096
	}
	if socketTimeout <= 0 {
		socketTimeout = 30 * time.Second
	}
	return &Session{
		Adapter:       adapter,
		Pipe:          pipe,
		Devices:       devices,
		Commands:      commands,
		Storage:       storage,
		Logger:        logger,
		SocketTimeout: socketTimeout,
		PacketLength:  packetLength,
		RemoteAddr:    remoteAddr,
		state:         StateNew,
		inFlight:      map[string]struct{}{},
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UID returns the identified device uid, empty if not yet identified.
func (s *Session) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Dispatch is the per-connection loop: read bursts, feed the protocol
// adapter, run the six-step frame dispatch. It returns when the
// connection closes, ctx is cancelled, or a hard socket error occurs.
// A panic anywhere in the per-frame handling is recovered here and
// logged with a stack trace, mirroring spec.md §7's "caught at the top
// of the per-connection worker."
func (s *Session) Dispatch(ctx context.Context, conn net.Conn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Printf("[%s] PANIC recovered: %v\n%s", s.RemoteAddr, r, debug.Stack())
			err = fmt.Errorf("session panic recovered: %v", r)
		}
		s.setState(StateClosed)
	}()

	readBuf := make([]byte, s.PacketLength)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		burst, closed, rerr := s.readBurst(conn, readBuf)
		if len(burst) > 0 {
			s.buffer = append(s.buffer, burst...)
			s.processBurst(ctx, conn)
		}
		if closed {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// readBurst accumulates socket reads until one returns fewer bytes than
// requested — the end of this TCP receive burst, mirroring
// AbstractHandler.recv's "if len(data) < conf.socketPacketLength: break"
// — or the connection closes. A read timeout ends the burst early
// without closing the connection, per spec.md §5's socketTimeout policy.
func (s *Session) readBurst(conn net.Conn, readBuf []byte) (burst []byte, closed bool, err error) {
	for {
		if derr := conn.SetReadDeadline(time.Now().Add(s.SocketTimeout)); derr != nil {
			return burst, false, derr
		}
		n, rerr := conn.Read(readBuf)
		if n > 0 {
			burst = append(burst, readBuf[:n]...)
		}
		if rerr != nil {
			var netErr net.Error
			if errors.As(rerr, &netErr) && netErr.Timeout() {
				return burst, false, nil
			}
			return burst, true, nil
		}
		if n < len(readBuf) {
			return burst, false, nil
		}
	}
}

// processBurst runs the adapter over the accumulated buffer, frame by
// frame, until it's exhausted or a malformed frame forces the remainder
// to be discarded.
func (s *Session) processBurst(ctx context.Context, conn net.Conn) {
	s.raw = append(s.raw[:0], s.buffer...)
	for {
		pf, tail, ok, err := s.Adapter.Next(s.buffer)
		if err != nil {
			s.Logger.Printf("[%s] %s: %v — discarding remainder of burst", s.RemoteAddr, s.Adapter.Name(), err)
			s.buffer = nil
			return
		}
		if !ok {
			return
		}
		s.buffer = tail
		s.handleFrame(ctx, conn, pf)
	}
}

// handleFrame runs the six steps from spec.md §4.5 for one parsed frame.
func (s *Session) handleFrame(ctx context.Context, conn net.Conn, pf ParsedFrame) {
	if pf.UID != "" {
		s.mu.Lock()
		s.uid = pf.UID
		if s.state == StateNew {
			s.state = StateIdentified
		}
		s.mu.Unlock()
	}
	uid := s.UID()

	// Step 1: header-only frame identifies the device; ack and return.
	if pf.HeaderOnly {
		s.writeAck(conn, pf.Ack)
		return
	}

	if uid == "" {
		s.Logger.Printf("[%s] %v", s.RemoteAddr, ErrUnidentifiedSession)
		return
	}

	// Step 2: pending configuration handshake.
	if s.Devices != nil {
		if cfg, derr := s.Devices.Get(uid); derr == nil && cfg != nil && cfg.HasPendingConfig() {
			s.runConfigHandshake(conn, uid, cfg)
		}
	}

	// Step 3: acknowledgement.
	s.writeAck(conn, pf.Ack)

	// Step 4: image frame branch.
	if pf.ImageChunk != nil {
		s.handleImageChunk(ctx, uid, pf)
		return
	}

	// Step 5: translate + forward.
	if len(pf.Packets) > 0 {
		for i := range pf.Packets {
			pf.Packets[i].SetUID(uid)
		}
		if s.Pipe == nil {
			s.Logger.Printf("[%s] %v", s.RemoteAddr, ErrDownstreamUnavailable)
		} else if err := s.Pipe.Send(ctx, pf.Packets); err != nil {
			s.Logger.Printf("[%s] pipe send failed: %v — spooling to disk", s.RemoteAddr, err)
			if s.Storage != nil {
				if serr := s.Storage.Save(uid, s.raw); serr != nil {
					s.Logger.Printf("[%s] spool write failed: %v", s.RemoteAddr, serr)
				}
			}
		}
	}

	// Step 6: opportunistic command dispatch for this uid.
	s.dispatchPendingCommand(ctx, conn, uid)
}

func (s *Session) writeAck(conn net.Conn, ack []byte) {
	if len(ack) == 0 {
		return
	}
	if _, err := conn.Write(ack); err != nil {
		s.Logger.Printf("[%s] ack write failed: %v", s.RemoteAddr, err)
	}
}

// runConfigHandshake writes a pending configuration blob, waits up to
// SocketTimeout for the device's reply, and drops the pending config on
// a match — otherwise it's retried on the next frame, per
// spec.md's ConfigHandshakeFailed policy.
func (s *Session) runConfigHandshake(conn net.Conn, uid string, cfg *observer.DeviceConfig) {
	s.setState(StateConfiguring)
	defer s.setState(StateIdentified)

	if _, err := conn.Write(cfg.PendingConfig); err != nil {
		s.Logger.Printf("[%s] configuration write failed: %v", s.RemoteAddr, err)
		return
	}
	if err := conn.SetReadDeadline(time.Now().Add(s.SocketTimeout)); err != nil {
		return
	}
	answer := make([]byte, 256)
	n, _ := conn.Read(answer)
	if !s.Adapter.ConfigAnswerMatches(cfg.PendingConfig, answer[:n]) {
		s.Logger.Printf("[%s] %v", s.RemoteAddr, ErrConfigHandshakeFailed)
		return
	}
	if s.Devices != nil {
		if err := s.Devices.ClearPendingConfig(uid); err != nil {
			s.Logger.Printf("[%s] clearing pending config failed: %v", s.RemoteAddr, err)
		}
	}
}

// handleImageChunk accumulates one partitioned image frame, publishing
// the assembled image once an empty-body frame marks the transfer
// complete (spec.md's ImageTransfer terminal condition).
func (s *Session) handleImageChunk(ctx context.Context, uid string, pf ParsedFrame) {
	s.mu.Lock()
	if s.image == nil {
		s.image = observer.NewImageTransfer(0)
		s.state = StateReceivingImage
	}
	img := s.image
	s.mu.Unlock()

	if len(pf.ImageChunk) == 0 {
		assembled, err := img.Assemble()
		s.mu.Lock()
		s.image = nil
		s.state = StateIdentified
		s.mu.Unlock()
		if err != nil {
			s.Logger.Printf("[%s] image transfer corrupt: %v", s.RemoteAddr, err)
			return
		}
		packet := observer.Packet{}
		packet.SetUID(uid)
		packet.SetTime(time.Now())
		packet["images"] = []map[string]string{{
			"mime":    "image/jpeg",
			"content": base64.StdEncoding.EncodeToString(assembled),
		}}
		if s.Pipe == nil {
			return
		}
		if err := s.Pipe.Send(ctx, []observer.Packet{packet}); err != nil {
			s.Logger.Printf("[%s] image publish failed: %v", s.RemoteAddr, err)
		}
		return
	}
	if err := img.Add(pf.ImagePart, pf.ImageChunk); err != nil {
		s.Logger.Printf("[%s] image chunk rejected: %v", s.RemoteAddr, err)
	}
}

// dispatchPendingCommand drains one command for uid and runs it through
// the registered action handler, reporting the outcome back through
// Commands.Complete. At-most-one-in-flight per (uid, guid) is enforced
// by inFlight, guarded by s.mu — sufficient since a single connection
// has at most one Dispatch goroutine.
func (s *Session) dispatchPendingCommand(ctx context.Context, conn net.Conn, uid string) {
	if s.Commands == nil {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, time.Second)
	cmd, err := s.Commands.Poll(pollCtx, uid)
	cancel()
	if err != nil || cmd == nil {
		return
	}

	s.mu.Lock()
	if _, inFlight := s.inFlight[cmd.GUID]; inFlight {
		s.mu.Unlock()
		return
	}
	s.inFlight[cmd.GUID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, cmd.GUID)
		s.mu.Unlock()
	}()

	s.ProcessCommand(ctx, conn, cmd)
}

// ProcessCommand resolves and runs a single command's action handler,
// reporting SUCCESS or ERROR back through Commands.Complete.
// dispatchPendingCommand is the only caller: a command needs a live
// conn to write to, so it only runs from inside Dispatch's per-frame
// loop, never directly off the broker's delivery handler.
func (s *Session) ProcessCommand(ctx context.Context, conn net.Conn, cmd *Command) {
	handler, ok := lookupCommandHandler(cmd.Action)
	if !ok {
		s.Logger.Printf("[%s] %v: %q", s.RemoteAddr, ErrUnknownAction, cmd.Action)
		s.completeCommand(ctx, cmd, observer.CommandError, ErrUnknownAction.Error())
		return
	}
	if err := handler(s, conn, cmd.GUID, cmd.Value); err != nil {
		s.Logger.Printf("[%s] command %q failed: %v", s.RemoteAddr, cmd.Action, err)
		s.completeCommand(ctx, cmd, observer.CommandError, err.Error())
		return
	}
	s.completeCommand(ctx, cmd, observer.CommandSuccess, "")
}

func (s *Session) completeCommand(ctx context.Context, cmd *Command, status observer.CommandStatus, data string) {
	if s.Commands == nil {
		return
	}
	if err := s.Commands.Complete(ctx, cmd.GUID, status, data); err != nil {
		s.Logger.Printf("[%s] reporting command result failed: %v", s.RemoteAddr, err)
	}
}
