// Package tlsreload holds a server certificate that can be swapped at
// runtime, so a SIGHUP picks up renewed certs without dropping listeners.
package tlsreload

import (
	"crypto/tls"
	"fmt"
	"sync/atomic"
)

type Holder struct {
	cert     atomic.Pointer[tls.Certificate]
	certFile string
	keyFile  string
}

func New(certFile, keyFile string) (*Holder, error) {
	h := &Holder{certFile: certFile, keyFile: keyFile}
	if err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// Reload re-reads the key pair from disk. On failure the previous certificate
// stays in service.
func (h *Holder) Reload() error {
	cert, err := tls.LoadX509KeyPair(h.certFile, h.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	h.cert.Store(&cert)
	return nil
}

// GetCertificate is plugged into tls.Config.
func (h *Holder) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return h.cert.Load(), nil
}
