// Package driver owns the single connection to the storage server and
// implements the best-effort exchange primitives the scripts are built from.
package driver

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/frjcomp/dropprobe/pkg/certs"
	"github.com/frjcomp/dropprobe/pkg/config"
	"github.com/frjcomp/dropprobe/pkg/logging"
	"github.com/frjcomp/dropprobe/pkg/protocol"
)

// Response is what one read window collected.
type Response struct {
	Raw  []byte
	Text string // Raw with invalid UTF-8 dropped
	End  EndReason
}

// Driver drives one connection to the storage server. It is not safe for
// concurrent use: one command is in flight at a time.
type Driver struct {
	addr        string
	cfg         *config.DriverConfig
	dialer      proxy.ContextDialer
	conn        net.Conn
	isConnected bool
	log         zerolog.Logger
}

// New creates a driver for cfg. It only fails when the configured proxy
// cannot be turned into a dialer.
func New(cfg *config.DriverConfig) (*Driver, error) {
	dialer, err := newDialer(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{
		addr:   cfg.Addr(),
		cfg:    cfg,
		dialer: dialer,
		log:    logging.WithComponent("driver").With().Str("addr", cfg.Addr()).Logger(),
	}, nil
}

func newDialer(cfg *config.DriverConfig) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: cfg.Target.DialTimeout}
	if cfg.Target.Proxy == "" {
		return direct, nil
	}

	u, err := url.Parse(cfg.Target.Proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer for %s does not support contexts", u.Scheme)
	}
	return cd, nil
}

// Addr returns the host:port the driver talks to.
func (d *Driver) Addr() string {
	return d.addr
}

// Connect opens the connection, bounded by the configured dial timeout.
// Any failure is returned as *ConnectionError.
func (d *Driver) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Target.DialTimeout)
	defer cancel()

	conn, err := d.dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return &ConnectionError{Addr: d.addr, Err: err}
	}

	if d.cfg.Target.TLS {
		tlsConn := tls.Client(conn, d.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return &ConnectionError{Addr: d.addr, Err: fmt.Errorf("tls handshake: %w", err)}
		}
		conn = tlsConn
	}

	d.conn = conn
	d.isConnected = true
	d.log.Debug().Bool("tls", d.cfg.Target.TLS).Str("proxy", d.cfg.Target.Proxy).Msg("connected")
	return nil
}

// tlsConfig skips chain verification like a throwaway test endpoint needs,
// and pins the leaf certificate when a fingerprint is configured.
func (d *Driver) tlsConfig() *tls.Config {
	pin := strings.ToLower(d.cfg.Target.CertFingerprint)
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
	if pin != "" {
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("server presented no certificate")
			}
			if got := certs.Fingerprint(rawCerts[0]); got != pin {
				return fmt.Errorf("certificate fingerprint mismatch: got %s", got)
			}
			return nil
		}
	}
	return cfg
}

// IsConnected returns whether the driver holds an open connection
func (d *Driver) IsConnected() bool {
	return d.isConnected
}

// Close closes the connection. Calling it again is a no-op.
func (d *Driver) Close() error {
	if d.conn == nil {
		return nil
	}
	d.isConnected = false
	err := d.conn.Close()
	d.conn = nil
	d.log.Debug().Msg("closed")
	return err
}

// Read drains whatever the server sends until it goes quiet for timeout,
// closes its side, errors, or MaxResponseSize is reached. None of those
// is a failure: the reason is reported in Response.End.
func (d *Driver) Read(timeout time.Duration) Response {
	if d.conn == nil {
		return Response{End: EndNotConnected}
	}

	var buf bytes.Buffer
	chunk := make([]byte, protocol.RecvChunkSize)
	end := EndIdle

	for {
		d.conn.SetReadDeadline(time.Now().Add(timeout))
		n, err := d.conn.Read(chunk)
		buf.Write(chunk[:n])

		if err != nil {
			end = classify(err)
			if end == EndReset {
				d.log.Debug().Err(err).Msg("read error treated as end of response")
			}
			break
		}
		if buf.Len() >= d.cfg.Timing.MaxResponseSize {
			end = EndCapped
			d.log.Warn().Int("bytes", buf.Len()).Msg("response capped")
			break
		}
	}
	d.conn.SetReadDeadline(time.Time{})

	raw := buf.Bytes()
	d.log.Debug().Int("bytes", len(raw)).Stringer("end", end).Msg("drained")
	return Response{Raw: raw, Text: protocol.Decode(raw), End: end}
}

func classify(err error) EndReason {
	if errors.Is(err, io.EOF) {
		return EndPeerClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return EndIdle
	}
	return EndReset
}

// ReadAvailable is Read returning only the decoded text.
func (d *Driver) ReadAvailable(timeout time.Duration) string {
	return d.Read(timeout).Text
}

// Write puts data on the wire as-is. Raw upload payloads go through here
// since file content is not a command line.
func (d *Driver) Write(data []byte) error {
	if d.conn == nil {
		return fmt.Errorf("not connected")
	}
	if _, err := d.conn.Write(data); err != nil {
		d.log.Debug().Err(err).Int("bytes", len(data)).Msg("write failed")
		return err
	}
	return nil
}

// Exchange frames text as one command line, writes it, waits settle, then
// drains the response with the configured read timeout. A failed write is
// logged and the drain still happens.
func (d *Driver) Exchange(text string, settle time.Duration) Response {
	line := protocol.Frame(text)
	_ = d.Write(line)
	if settle > 0 {
		time.Sleep(settle)
	}
	resp := d.Read(d.cfg.Timing.ReadTimeout)
	d.log.Debug().
		Str("command", strings.TrimRight(string(line), "\n")).
		Str("status", protocol.Status(resp.Text)).
		Msg("exchanged")
	return resp
}

// SendCommand is Exchange returning only the decoded text.
func (d *Driver) SendCommand(text string, settle time.Duration) string {
	return d.Exchange(text, settle).Text
}
