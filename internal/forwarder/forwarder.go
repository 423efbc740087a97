// Package forwarder owns the live network relay for one tunnel: a public
// TCP listener whose accepted connections are piped byte-for-byte to the
// tunnel's local target.
package forwarder

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portgate/portgate/internal/domain"
)

// Forwarder relays traffic between a public port and one local target.
// Lifecycle: New -> Start (listening) -> Stop (closed, terminal). A
// stopped forwarder cannot be restarted; the controller builds a new one.
type Forwarder struct {
	tunnelID    string
	publicPort  int
	targetAddr  string
	dialTimeout time.Duration
	log         *slog.Logger
	sink        domain.EventSink

	ln      net.Listener
	started atomic.Bool
	closing atomic.Bool
	wg      sync.WaitGroup
}

// New builds a forwarder for tunnelID that listens on publicPort and
// relays to targetHost:localPort. A publicPort of 0 binds an ephemeral
// port (used by tests); Port reports the bound value.
func New(tunnelID string, publicPort int, targetHost string, localPort int, logger *slog.Logger, sink domain.EventSink) *Forwarder {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Forwarder{
		tunnelID:    tunnelID,
		publicPort:  publicPort,
		targetAddr:  net.JoinHostPort(targetHost, strconv.Itoa(localPort)),
		dialTimeout: 10 * time.Second,
		log:         logger,
		sink:        sink,
	}
}

// SetDialTimeout overrides the local-target dial timeout.
func (f *Forwarder) SetDialTimeout(d time.Duration) {
	f.dialTimeout = d
}

// Start binds the public listener and launches the accept loop. A bind
// failure is returned to the caller so the tunnel is never marked active
// without a live listener.
func (f *Forwarder) Start() error {
	if !f.started.CompareAndSwap(false, true) {
		return errors.New("forwarder already started")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", f.publicPort))
	if err != nil {
		return &domain.TunnelError{TunnelID: f.tunnelID, Op: "bind", Err: err}
	}
	f.ln = ln
	if f.publicPort == 0 {
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			f.publicPort = addr.Port
		}
	}

	f.wg.Add(1)
	go f.acceptLoop()
	return nil
}

// Port returns the bound public port.
func (f *Forwarder) Port() int {
	return f.publicPort
}

// Stop closes the public listener so no new connections are accepted.
// In-flight relays are left to drain and close on their own; stopping a
// tunnel severs future accepts, not established streams. Safe to call
// more than once.
func (f *Forwarder) Stop() {
	if !f.closing.CompareAndSwap(false, true) {
		return
	}
	if f.ln != nil {
		_ = f.ln.Close()
	}
}

// Wait blocks until the accept loop and all relays have finished.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()

	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if f.closing.Load() {
				return
			}
			f.log.Error("accept failed", "tunnel_id", f.tunnelID, "public_port", f.publicPort, "err", err)
			return
		}
		f.wg.Add(1)
		go f.handleConn(conn)
	}
}

// handleConn relays one accepted public connection. A dial failure closes
// only this connection; the listener and other relays on the same tunnel
// are unaffected, so the tunnel survives a down local service.
func (f *Forwarder) handleConn(public net.Conn) {
	defer f.wg.Done()

	local, err := net.DialTimeout("tcp", f.targetAddr, f.dialTimeout)
	if err != nil {
		f.log.Warn("local target unreachable", "tunnel_id", f.tunnelID, "target", f.targetAddr, "err", err)
		_ = public.Close()
		return
	}

	remote := public.RemoteAddr().String()
	f.sink.Publish(domain.Event{
		Kind:       domain.EventRelayOpened,
		TunnelID:   f.tunnelID,
		RemoteAddr: remote,
		Time:       time.Now().UTC(),
	})
	f.log.Debug("relay opened", "tunnel_id", f.tunnelID, "remote", remote)

	// Each direction copies and half-closes independently: when one side
	// sends EOF the other direction may still have data in flight.
	var dirs sync.WaitGroup
	dirs.Add(2)
	go f.copyDirection(&dirs, local, public, "public->local")
	go f.copyDirection(&dirs, public, local, "local->public")
	dirs.Wait()

	_ = public.Close()
	_ = local.Close()
	f.sink.Publish(domain.Event{
		Kind:       domain.EventRelayClosed,
		TunnelID:   f.tunnelID,
		RemoteAddr: remote,
		Time:       time.Now().UTC(),
	})
	f.log.Debug("relay closed", "tunnel_id", f.tunnelID, "remote", remote)
}

func (f *Forwarder) copyDirection(wg *sync.WaitGroup, dst, src net.Conn, dir string) {
	defer wg.Done()

	_, err := io.Copy(dst, src)
	if err != nil && !isClosedConnError(err) {
		f.log.Debug("relay copy ended", "tunnel_id", f.tunnelID, "dir", dir, "err", err)
	}
	// Propagate EOF as a half-close so pending data on the opposite
	// direction still drains before the socket goes away entirely.
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
