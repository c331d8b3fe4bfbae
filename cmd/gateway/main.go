// Gateway listens on one TCP port per protocol (Autolink, Naviset,
// Galileo, Teltonika, Globalsat), runs each accepted connection through
// internal/handler's per-connection state machine, forwards normalized
// packets to the HTTP observer pipe with an on-disk spool fallback, and
// takes device commands from AMQP.
//
// Generalizes cmd/tcp-server/main.go's single-port accept loop and
// graceful-shutdown handling across five listeners.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/maprox/gps-gateway/internal/broker"
	"github.com/maprox/gps-gateway/internal/devicestore"
	"github.com/maprox/gps-gateway/internal/gatewayconfig"
	"github.com/maprox/gps-gateway/internal/gatewaylog"
	"github.com/maprox/gps-gateway/internal/handler"
	"github.com/maprox/gps-gateway/pkg/gpsgateway/pipe"
	"github.com/maprox/gps-gateway/pkg/gpsgateway/storage"
)

func main() {
	cfg := gatewayconfig.Load()

	mainLog := gatewaylog.New("gateway", nil)
	printBanner(mainLog, cfg)

	spool, err := storage.NewFileSpool(cfg.LogDir)
	if err != nil {
		mainLog.Fatalf("Failed to initialize storage spool: %v", err)
	}
	pipeClient := pipe.NewHTTPClient(cfg.PipeSetURL, cfg.PipeFinishURL)
	devices := devicestore.New()
	brokerClient := broker.New(cfg.AMQPURL, cfg.Env, gatewaylog.New("broker", nil))

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, pp := range cfg.Ports {
		adapter := adapterFor(pp.Protocol, cfg.GlobalsatReportFmt)
		if adapter == nil {
			mainLog.Printf("unknown protocol %q, skipping", pp.Protocol)
			continue
		}
		wg.Add(1)
		go func(protocol string, port int, adapter handler.Adapter) {
			defer wg.Done()
			go brokerClient.CommandListener(ctx, protocol)
			runListener(ctx, protocol, port, adapter, pipeClient, devices, brokerClient, spool, cfg, mainLog)
		}(pp.Protocol, pp.Port, adapter)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	mainLog.Println(strings.Repeat("=", 60))
	mainLog.Println("Shutting down gateway...")
	cancel()
	wg.Wait()
}

func printBanner(logger *log.Logger, cfg *gatewayconfig.Config) {
	logger.Println(strings.Repeat("=", 60))
	logger.Println("GPS/Telematics Ingestion Gateway")
	logger.Println(strings.Repeat("=", 60))
	for _, p := range cfg.Ports {
		logger.Printf("Protocol: %-10s Port: %d", p.Protocol, p.Port)
	}
	logger.Printf("Socket Timeout:   %v", cfg.SocketTimeout)
	logger.Printf("Socket Packet Len: %d", cfg.SocketPacketLen)
	logger.Printf("AMQP URL:         %s", cfg.AMQPURL)
	logger.Printf("Environment:      %s", cfg.Env)
	logger.Println(strings.Repeat("=", 60))
}

func adapterFor(protocol, globalsatReportFormat string) handler.Adapter {
	switch protocol {
	case "autolink":
		return handler.NewAutolinkAdapter()
	case "naviset":
		return handler.NewNavisetAdapter()
	case "galileo":
		return handler.NewGalileoAdapter()
	case "teltonika":
		return handler.NewTeltonikaAdapter()
	case "globalsat":
		return handler.NewGlobalsatAdapter(globalsatReportFormat)
	default:
		return nil
	}
}

func runListener(
	ctx context.Context,
	protocol string,
	port int,
	adapter handler.Adapter,
	pipeClient handler.Pipe,
	devices handler.Devices,
	commands handler.Commands,
	spool handler.Storage,
	cfg *gatewayconfig.Config,
	mainLog *log.Logger,
) {
	ln, err := net.Listen("tcp", netPort(port))
	if err != nil {
		mainLog.Printf("[%s] failed to listen on port %d: %v", protocol, port, err)
		return
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	connLog := gatewaylog.New(protocol, nil)
	mainLog.Printf("[%s] listening on %s", protocol, netPort(port))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			mainLog.Printf("[%s] accept error: %v", protocol, err)
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			remoteAddr := c.RemoteAddr().String()
			session := handler.NewSession(adapter, pipeClient, devices, commands, spool, connLog,
				cfg.SocketTimeout, cfg.SocketPacketLen, remoteAddr)
			connLog.Printf("[%s] new connection from %s", protocol, remoteAddr)
			if err := session.Dispatch(ctx, c); err != nil {
				connLog.Printf("[%s] %s: session ended: %v", protocol, remoteAddr, err)
			}
		}(conn)
	}
}

func netPort(port int) string {
	return fmt.Sprintf(":%d", port)
}
