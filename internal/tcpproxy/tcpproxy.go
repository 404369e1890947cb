// Package tcpproxy forwards raw TCP connections to an upstream pool. It is
// used by listeners configured with a forward target instead of HTTP routes.
package tcpproxy

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/brinkhq/brink/internal/lb"
	"github.com/brinkhq/brink/internal/metrics"
)

type Proxy struct {
	Picker      lb.Picker
	DialTimeout time.Duration
	IdleTimeout time.Duration

	Listener string // listener name, for metrics and logs
	Metrics  *metrics.Registry
	Log      zerolog.Logger
}

// New builds a forwarder. idle <= 0 disables the idle timeout and connections
// stay open until either side closes.
func New(picker lb.Picker, listener string, idle time.Duration, m *metrics.Registry, log zerolog.Logger) *Proxy {
	return &Proxy{
		Picker:      picker,
		DialTimeout: 5 * time.Second,
		IdleTimeout: idle,
		Listener:    listener,
		Metrics:     m,
		Log:         log,
	}
}

// Serve accepts connections until the listener is closed.
func (p *Proxy) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go p.Handle(conn)
	}
}

// Handle splices one client connection to a pool target. Each half is closed
// for writing when the other side finishes, so half-open protocols work.
func (p *Proxy) Handle(conn net.Conn) {
	if p.Metrics != nil {
		p.Metrics.IncActiveConns(p.Listener)
		defer p.Metrics.DecActiveConns(p.Listener)
	}
	defer func() { _ = conn.Close() }()

	upstream, claim := p.dial()
	if upstream == nil {
		return
	}
	defer claim.Release()
	defer func() { _ = upstream.Close() }()

	var clientConn, upstreamConn net.Conn = conn, upstream
	if p.IdleTimeout > 0 {
		clientConn = &idleTimeoutConn{Conn: conn, timeout: p.IdleTimeout}
		upstreamConn = &idleTimeoutConn{Conn: upstream, timeout: p.IdleTimeout}
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(upstreamConn, clientConn)
		if c, ok := upstream.(*net.TCPConn); ok {
			_ = c.CloseWrite()
		}
		close(done)
	}()

	_, _ = io.Copy(clientConn, upstreamConn)
	if c, ok := conn.(*net.TCPConn); ok {
		_ = c.CloseWrite()
	}
	<-done
}

// dial picks a target and connects, moving to a different target once if the
// first dial fails.
func (p *Proxy) dial() (net.Conn, *lb.Claim) {
	var exclude *lb.Target
	for i := 0; i < 2; i++ {
		claim, err := p.Picker.Pick(exclude)
		if err != nil {
			p.Log.Warn().Str("listener", p.Listener).Msg("no upstream available")
			return nil, nil
		}
		conn, err := net.DialTimeout("tcp", claim.Target().Addr(), p.DialTimeout)
		if err == nil {
			claim.Feedback(true)
			return conn, claim
		}
		p.Log.Warn().Str("listener", p.Listener).Str("upstream", claim.Target().Addr()).Err(err).Msg("dial upstream")
		claim.Feedback(false)
		exclude = claim.Target()
		claim.Release()
	}
	return nil, nil
}

type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (n int, err error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (n int, err error) {
	_ = c.SetDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}
