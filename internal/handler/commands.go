package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/maprox/gps-gateway/pkg/gpsgateway/observer"
)

// commandHandler matches one action name from an inbound command's
// "action" field to the code that carries it out. taskID is the
// command's guid (AbstractHandler.processCommandXxx's "task" param).
type commandHandler func(s *Session, conn net.Conn, taskID string, value any) error

// commandHandlers is built once at init, keyed by the lower-cased action
// name the same way AbstractHandler.processRequest derives a method name
// from command['action'] (here, a map lookup instead of getattr).
var commandHandlers = map[string]commandHandler{}

func registerCommandHandlers() {
	commandHandlers["getstatus"] = protocolCommand("getstatus")
	commandHandlers["getimei"] = protocolCommand("getimei")
	commandHandlers["setgprsparams"] = protocolCommand("setgprsparams")
	commandHandlers["getregisteredibuttons"] = protocolCommand("getregisteredibuttons")
	commandHandlers["getphones"] = protocolCommand("getphones")
	commandHandlers["gettrackparams"] = protocolCommand("gettrackparams")
	commandHandlers["removetrackfrombuffer"] = protocolCommand("removetrackfrombuffer")
	commandHandlers["restart"] = protocolCommand("restart")
	commandHandlers["getimage"] = protocolCommand("getimage")

	commandHandlers["format"] = processCommandFormat
	commandHandlers["execute"] = processCommandExecute
	commandHandlers["readsettings"] = processCommandReadSettings
	commandHandlers["setoption"] = processCommandSetOption
}

func init() {
	registerCommandHandlers()
}

func lookupCommandHandler(action string) (commandHandler, bool) {
	h, ok := commandHandlers[strings.ToLower(action)]
	return h, ok
}

// protocolCommand returns a commandHandler that renders the named action
// through the session's protocol-specific CommandSet (Naviset, Teltonika)
// and writes the resulting bytes to the socket. Protocols without a
// CommandSet (Autolink, Galileo, Globalsat) report an error, matching
// upstream's behavior of never defining these Command subclasses for
// those protocols.
func protocolCommand(action string) commandHandler {
	return func(s *Session, conn net.Conn, taskID string, value any) error {
		cs, ok := s.Adapter.(CommandSet)
		if !ok {
			return fmt.Errorf("%s: protocol does not support outbound commands", s.Adapter.Name())
		}
		raw, err := cs.BuildCommand(action, value)
		if err != nil {
			return err
		}
		_, err = conn.Write(raw)
		return err
	}
}

// processCommandFormat renders a device's provisioning response and
// closes the originating task, mirroring
// AbstractHandler.processCommandFormat: build the initiation config,
// hand it to the protocol's InitiationData, and post the result to the
// pipe's task-close endpoint if it produced one.
func processCommandFormat(s *Session, conn net.Conn, taskID string, value any) error {
	cfg := decodeDeviceConfig(value)
	data := s.Adapter.InitiationData(cfg)
	if data == nil {
		return nil
	}
	if s.Pipe == nil {
		return ErrDownstreamUnavailable
	}
	return s.Pipe.CloseTask(context.Background(), taskID, data)
}

// processCommandExecute runs an arbitrary protocol command string,
// ported from TeltonikaHandler.processCommandExecute — value carries a
// {"command": "..."} map the way the original expects data['command'].
func processCommandExecute(s *Session, conn net.Conn, taskID string, value any) error {
	fields, _ := value.(map[string]any)
	command, _ := fields["command"].(string)
	if command == "" {
		return fmt.Errorf("execute: missing command field")
	}
	_, err := conn.Write([]byte(command))
	return err
}

// processCommandReadSettings mirrors
// TeltonikaHandler.processCommandReadSettings: not implemented upstream,
// the task is simply closed with no data.
func processCommandReadSettings(s *Session, conn net.Conn, taskID string, value any) error {
	if s.Pipe == nil {
		return nil
	}
	return s.Pipe.CloseTask(context.Background(), taskID, nil)
}

// processCommandSetOption mirrors TeltonikaHandler.processCommandSetOption:
// also not implemented upstream, closes the task with no data.
func processCommandSetOption(s *Session, conn net.Conn, taskID string, value any) error {
	if s.Pipe == nil {
		return nil
	}
	return s.Pipe.CloseTask(context.Background(), taskID, nil)
}

func decodeDeviceConfig(value any) *observer.DeviceConfig {
	cfg := &observer.DeviceConfig{}
	raw, err := json.Marshal(value)
	if err != nil {
		return cfg
	}
	_ = json.Unmarshal(raw, cfg)
	return cfg
}
