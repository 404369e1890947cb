package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"testing"
	"time"

	"golang.org/x/net/http2"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout: got %v, want %v", opts.DialTimeout, 5*time.Second)
	}
	if opts.DialKeepAlive != 60*time.Second {
		t.Errorf("DialKeepAlive: got %v, want %v", opts.DialKeepAlive, 60*time.Second)
	}
	if opts.MaxIdleConns != 512 {
		t.Errorf("MaxIdleConns: got %d, want %d", opts.MaxIdleConns, 512)
	}
	if opts.MaxIdleConnsPerHost != 128 {
		t.Errorf("MaxIdleConnsPerHost: got %d, want %d", opts.MaxIdleConnsPerHost, 128)
	}
	if opts.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout: got %v, want %v", opts.IdleConnTimeout, 90*time.Second)
	}
	if opts.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be false by default")
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	reg := NewDefaultRegistry()

	if reg == nil {
		t.Fatal("NewDefaultRegistry returned nil")
	}
	for _, name := range []string{ProtoHTTP1, ProtoAuto, ProtoH2C} {
		if _, ok := reg.store[name]; !ok {
			t.Errorf("%s transport not pre-registered", name)
		}
	}
}

func TestRegistry_Get(t *testing.T) {
	reg := NewDefaultRegistry()

	t.Run("existing transport", func(t *testing.T) {
		rt := reg.Get(ProtoHTTP1)
		if rt == nil {
			t.Fatal("Get(http1) returned nil")
		}
		if _, ok := rt.(*http.Transport); !ok {
			t.Error("expected *http.Transport")
		}
	})

	t.Run("non-existing falls back to http1", func(t *testing.T) {
		rt := reg.Get("non-existent")
		if rt == nil {
			t.Fatal("Get(non-existent) returned nil, expected fallback")
		}
		if rt != reg.Get(ProtoHTTP1) {
			t.Error("expected fallback to http1 transport")
		}
	})

	t.Run("h2c transport", func(t *testing.T) {
		rt := reg.Get(ProtoH2C)
		tr, ok := rt.(*http2.Transport)
		if !ok {
			t.Fatal("expected *http2.Transport")
		}
		if !tr.AllowHTTP {
			t.Error("h2c transport must allow cleartext HTTP/2")
		}
	})
}

func TestRegistry_Register(t *testing.T) {
	reg := NewDefaultRegistry()

	customRT := &http.Transport{}
	reg.Register("custom", customRT)
	if reg.Get("custom") != customRT {
		t.Error("registered transport not returned by Get")
	}

	// Empty name and nil transport are ignored without panicking.
	reg.Register("", customRT)
	reg.Register("nil-test", nil)
	if reg.Get("nil-test") != reg.Get(ProtoHTTP1) {
		t.Error("nil registration should fall back to http1")
	}
}

func TestRegistry_RegisterCustom(t *testing.T) {
	reg := NewRegistry(Options{MaxIdleConns: 1000, MaxIdleConnsPerHost: 100})

	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	reg.RegisterCustom("custom-tls", tlsConfig, ProtoHTTP1)

	tr, ok := reg.Get("custom-tls").(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be true")
	}
	if tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be false for http1")
	}
	if tr.MaxIdleConns != 1000 {
		t.Errorf("custom MaxIdleConns: got %d, want 1000", tr.MaxIdleConns)
	}

	reg.RegisterCustom("custom-h2", nil, ProtoAuto)
	tr2, ok := reg.Get("custom-h2").(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if !tr2.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true for auto")
	}
}

func TestRegistry_CloseIdle(t *testing.T) {
	reg := NewDefaultRegistry()
	reg.Register("custom", &http.Transport{})
	// Must handle both pooled transport types without panicking.
	reg.CloseIdle()
}

func TestRegistry_WithRootCAs(t *testing.T) {
	pool := x509.NewCertPool()
	reg := NewRegistry(Options{RootCAs: pool})

	tr, ok := reg.Get(ProtoHTTP1).(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if tr.TLSClientConfig.RootCAs != pool {
		t.Error("RootCAs not set correctly")
	}
}

func TestRegistry_WithResponseHeaderTimeout(t *testing.T) {
	reg := NewRegistry(Options{ResponseHeaderTimeout: 10 * time.Second})

	tr, ok := reg.Get(ProtoHTTP1).(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if tr.ResponseHeaderTimeout != 10*time.Second {
		t.Errorf("ResponseHeaderTimeout: got %v, want %v", tr.ResponseHeaderTimeout, 10*time.Second)
	}
}
