package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"github.com/anyconnectd/worker/internal/dataplane"
)

// fdFile adapts an inherited *os.File to dataplane.FdReaderWriter,
// reusing the *os.File's own Fd() method (already int-compatible via
// an explicit conversion, since os.File.Fd returns uintptr).
type fdFile struct {
	*os.File
}

func newFdFile(fd int, name string) *fdFile {
	return &fdFile{File: os.NewFile(uintptr(fd), name)}
}

func (f *fdFile) Fd() int { return int(f.File.Fd()) }

// tlsFdConn pairs a handshaken *tls.Conn with the raw descriptor
// number it was built from — crypto/tls.Conn has no Fd() of its own,
// and the data-plane loop's readiness wait needs the underlying
// descriptor, not the TLS record layer wrapped around it.
type tlsFdConn struct {
	*tls.Conn
	fd int
}

func (c *tlsFdConn) Fd() int { return c.fd }

var _ dataplane.FdReaderWriter = (*tlsFdConn)(nil)
var _ dataplane.FdReaderWriter = (*fdFile)(nil)

// acceptTLS wraps the inherited TLS socket descriptor in a *tls.Conn
// and runs the server handshake before the worker ever sees it —
// internal/worker.Worker.Run documents that the TLS handshake has
// already happened by the time Run is called.
func acceptTLS(fd int, config *tls.Config) (*tlsFdConn, error) {
	file := os.NewFile(uintptr(fd), "tls")
	raw, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("wrapping inherited TLS descriptor %d: %w", fd, err)
	}
	conn := tls.Server(raw, config)
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	return &tlsFdConn{Conn: conn, fd: fd}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
