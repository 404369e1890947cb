package tcpproxy

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brinkhq/brink/internal/lb"
	"github.com/brinkhq/brink/internal/model"
)

// startEcho runs a line-echo server and returns its address.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					fmt.Fprintf(c, "%s\n", sc.Text())
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func poolFor(t *testing.T, addrs ...string) *lb.Pool {
	t.Helper()
	up := model.Upstream{Name: "echo", FailThreshold: 1, Cooldown: time.Minute}
	for _, a := range addrs {
		u, err := url.Parse("http://" + a)
		if err != nil {
			t.Fatalf("parse addr: %v", err)
		}
		up.Targets = append(up.Targets, model.Target{URL: u, Weight: 1})
	}
	return lb.NewPool(up)
}

func TestProxy_Splice(t *testing.T) {
	echo := startEcho(t)
	p := New(poolFor(t, echo), "test", 0, nil, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() { _ = p.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "ping\n")
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ping\n" {
		t.Fatalf("echo: got %q, want %q", line, "ping\n")
	}
}

func TestProxy_DialRetryOnDeadTarget(t *testing.T) {
	// A port that refuses connections: bind then close.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	echo := startEcho(t)
	p := New(poolFor(t, deadAddr, echo), "test", 0, nil, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() { _ = p.Serve(ln) }()

	// Every connection must land on the live target, whichever is picked
	// first.
	for i := 0; i < 4; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial proxy: %v", err)
		}
		fmt.Fprintf(conn, "hi\n")
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			t.Fatalf("conn %d: read: %v", i, err)
		}
		if line != "hi\n" {
			t.Fatalf("conn %d: got %q", i, line)
		}
		_ = conn.Close()
	}
}

func TestProxy_IdleConnectionClosed(t *testing.T) {
	echo := startEcho(t)
	p := New(poolFor(t, echo), "test", 50*time.Millisecond, nil, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() { _ = p.Serve(ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// active traffic passes
	fmt.Fprintf(conn, "ping\n")
	if line, err := bufio.NewReader(conn).ReadString('\n'); err != nil || line != "ping\n" {
		t.Fatalf("echo before idle: %q, %v", line, err)
	}

	// then go quiet: the splice must tear the connection down, not hang
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("idle connection was not closed")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("idle connection still open after idle timeout")
	}
}
