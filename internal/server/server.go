// Package server implements the TLS daemon (C7): a listener accepting
// one line-protocol exchange per connection, dispatched to concurrent
// handler workers, plus a dedicated maintenance worker.
package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crutech/nydus/internal/allocpool"
	"github.com/crutech/nydus/internal/authpipeline"
	"github.com/crutech/nydus/internal/metrics"
	"github.com/crutech/nydus/internal/sessionprobe"
)

const (
	maxRequestBytes = 1024
	receiveDeadline = 5 * time.Second
)

// MaintenanceConfig holds the tunables the maintenance loop runs on.
// Mirrors config.MaintenanceConfig field-for-field; kept separate so
// this package doesn't import internal/config.
type MaintenanceConfig struct {
	Period            time.Duration
	AllocationTimeout time.Duration
	RenewalK          int
}

// Server is the TLS daemon: one accept loop plus one maintenance
// worker, both stoppable via Shutdown.
type Server struct {
	engine   *allocpool.Engine
	pipeline *authpipeline.Pipeline
	prober   *sessionprobe.Prober
	metrics  *metrics.Collector
	cfg      MaintenanceConfig
	mcVersion string

	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// fatal is invoked when a save failure makes in-memory state
	// unrecoverably diverged from disk (spec.md §4.5/§4.7: this is
	// fatal to the process). Injectable so tests can observe it
	// instead of exiting the test binary.
	fatal func(error)
}

// New constructs a Server. mcVersion is the game-version string
// prefixed onto successful REQUEST responses.
func New(engine *allocpool.Engine, pipeline *authpipeline.Pipeline, prober *sessionprobe.Prober, m *metrics.Collector, cfg MaintenanceConfig, mcVersion string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:    engine,
		pipeline:  pipeline,
		prober:    prober,
		metrics:   m,
		cfg:       cfg,
		mcVersion: mcVersion,
		ctx:       ctx,
		cancel:    cancel,
		fatal:     defaultFatal,
	}
}

func defaultFatal(err error) {
	slog.Error("server: unrecoverable storage failure, terminating", "err", err)
	os.Exit(1)
}

// Engine returns the allocation engine backing this server, for
// read-only consumers such as the admin API.
func (s *Server) Engine() *allocpool.Engine {
	return s.engine
}

// ListenAndServe binds a TLS listener on addr using the given
// certificate/key pair, then starts the accept loop and the
// maintenance worker as background goroutines. It returns once the
// listener is bound; serving happens asynchronously.
func (s *Server) ListenAndServe(addr, certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("server: loading TLS cert/key: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}
	return s.serve(ln)
}

// Serve runs the accept loop and maintenance worker against an
// already-bound listener (TLS or otherwise) — used directly by tests
// against an httptest-style in-process listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	s.listener = ln
	slog.Info("server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop()
	}()

	return nil
}

// Shutdown stops the accept loop and maintenance worker and waits for
// in-flight connection handlers to finish.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("server stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("server: accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection implements the per-connection line protocol:
// REQUEST <local-user> or RELEASE, subject to a 1024-byte cap and a
// 5-second receive deadline measured from the first read. The client's
// source address is taken from the connection, never from the request
// line itself.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr := remoteHost(conn)

	if err := conn.SetReadDeadline(time.Now().Add(receiveDeadline)); err != nil {
		slog.Debug("server: set read deadline failed", "addr", remoteAddr, "err", err)
		return
	}

	line, err := readLine(conn, maxRequestBytes)
	if err != nil {
		slog.Debug("server: request read failed", "addr", remoteAddr, "err", err)
		return
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "REQUEST":
		if len(fields) != 2 {
			return
		}
		s.handleRequest(conn, remoteAddr, fields[1])
	case "RELEASE":
		s.handleRelease(remoteAddr)
	default:
		return
	}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// readLine reads from conn until a newline is seen or maxBytes is
// reached, whichever comes first. The deadline set by the caller
// governs how long this can block.
func readLine(conn net.Conn, maxBytes int) (string, error) {
	buf := make([]byte, maxBytes)
	total := 0
	for total < maxBytes {
		n, err := conn.Read(buf[total:])
		total += n
		if idx := bytes.IndexByte(buf[:total], '\n'); idx >= 0 {
			return string(buf[:idx]), nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("server: request exceeded 1024 bytes without a newline")
}

// handleRequest allocates a record to (remoteAddr, localUser) and, on
// success, writes the response before the deferred close in
// handleConnection runs. On no-free-record, it closes without writing
// anything.
func (s *Server) handleRequest(conn net.Conn, remoteAddr, localUser string) {
	rec, err := s.engine.Allocate(remoteAddr, localUser, time.Now())
	if err != nil {
		if errors.Is(err, allocpool.ErrStorageFailure) {
			s.fatal(err)
			return
		}
		slog.Warn("server: allocate rejected", "addr", remoteAddr, "user", localUser, "err", err)
		s.recordAllocate("rejected")
		return
	}
	if rec == nil {
		s.recordAllocate("no_free_record")
		return
	}
	s.recordAllocate("allocated")

	resp := fmt.Sprintf("%s:%s:%s:%s\n", s.mcVersion, rec.Bundle.GameIdentity.DisplayName, rec.Bundle.GameIdentity.UUID, rec.Bundle.TGame.Token())
	conn.SetWriteDeadline(time.Now().Add(receiveDeadline))
	if _, err := conn.Write([]byte(resp)); err != nil {
		slog.Debug("server: response write failed", "addr", remoteAddr, "err", err)
	}
}

func (s *Server) handleRelease(remoteAddr string) {
	n, err := s.engine.ReleaseByAddr(remoteAddr)
	if err != nil {
		if errors.Is(err, allocpool.ErrStorageFailure) {
			s.fatal(err)
			return
		}
		slog.Warn("server: release failed", "addr", remoteAddr, "err", err)
		return
	}
	if n > 0 {
		s.recordRelease("released")
	} else {
		s.recordRelease("noop")
	}
}

func (s *Server) recordAllocate(result string) {
	if s.metrics != nil {
		s.metrics.AllocateResult(result)
	}
}

func (s *Server) recordRelease(result string) {
	if s.metrics != nil {
		s.metrics.ReleaseResult(result)
	}
}
