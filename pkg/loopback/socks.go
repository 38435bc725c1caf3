package loopback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/frjcomp/dropprobe/pkg/logging"
)

// SOCKS5 protocol constants
const (
	socks5Version = 0x05
	socks5NoAuth  = 0x00
	socks5NoMatch = 0xff
	socks5Connect = 0x01
	socks5IPv4    = 0x01
	socks5Domain  = 0x03
	socks5IPv6    = 0x04

	socks5Success         = 0x00
	socks5HostUnreachable = 0x04
	socks5CmdNotSupported = 0x07
	socks5AddrNotSupport  = 0x08
)

// SocksRelay is a minimal SOCKS5 server: no authentication, CONNECT only.
// It dials the requested target itself and copies bytes both ways.
type SocksRelay struct {
	listener    net.Listener
	dialTimeout time.Duration
	targets     []string
	connections map[net.Conn]struct{}
	closed      bool
	mu          sync.Mutex
	log         zerolog.Logger
}

// NewSocksRelay creates a relay that dials targets with dialTimeout.
func NewSocksRelay(dialTimeout time.Duration) *SocksRelay {
	return &SocksRelay{
		dialTimeout: dialTimeout,
		connections: make(map[net.Conn]struct{}),
		log:         logging.WithComponent("socks"),
	}
}

// Start listens on address and serves SOCKS5 in a background goroutine.
func (s *SocksRelay) Start(address string) (net.Addr, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go s.acceptConnections()
	return listener.Addr(), nil
}

// Targets returns every CONNECT target requested so far, in order.
func (s *SocksRelay) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

// Close stops the relay and closes every relayed connection.
func (s *SocksRelay) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for conn := range s.connections {
		conn.Close()
	}
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *SocksRelay) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.connections[conn] = struct{}{}
	return true
}

func (s *SocksRelay) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.connections, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *SocksRelay) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isBenignCloseError(err) {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handleSocksConnection(conn)
	}
}

// handleSocksConnection handles a single SOCKS5 connection
func (s *SocksRelay) handleSocksConnection(conn net.Conn) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	// Greeting: [version, nmethods, methods...]
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		s.log.Debug().Err(err).Msg("handshake read error")
		return
	}
	if header[0] != socks5Version {
		s.log.Debug().Uint8("version", header[0]).Msg("unsupported version")
		return
	}
	methods := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return
	}
	if bytes.IndexByte(methods, socks5NoAuth) < 0 {
		conn.Write([]byte{socks5Version, socks5NoMatch})
		return
	}
	if _, err := conn.Write([]byte{socks5Version, socks5NoAuth}); err != nil {
		return
	}

	// Request: [version, cmd, reserved, addr_type, addr, port]
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return
	}
	if req[0] != socks5Version {
		return
	}
	if req[1] != socks5Connect {
		reply(conn, socks5CmdNotSupported)
		return
	}

	host, err := readAddr(conn, req[3])
	if err != nil {
		s.log.Debug().Err(err).Msg("bad address")
		reply(conn, socks5AddrNotSupport)
		return
	}
	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(portBuf))))

	s.mu.Lock()
	s.targets = append(s.targets, target)
	s.mu.Unlock()

	remote, err := net.DialTimeout("tcp", target, s.dialTimeout)
	if err != nil {
		s.log.Debug().Err(err).Str("target", target).Msg("dial failed")
		reply(conn, socks5HostUnreachable)
		return
	}
	if !s.track(remote) {
		remote.Close()
		return
	}
	defer s.untrack(remote)

	if err := reply(conn, socks5Success); err != nil {
		return
	}
	s.log.Debug().Str("target", target).Msg("relaying")

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, conn)
		if tc, ok := remote.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, remote)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	<-done
	<-done
}

func readAddr(r io.Reader, addrType byte) (string, error) {
	switch addrType {
	case socks5IPv4:
		ip := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", err
		}
		return net.IP(ip).String(), nil
	case socks5IPv6:
		ip := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(r, ip); err != nil {
			return "", err
		}
		return net.IP(ip).String(), nil
	case socks5Domain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(r, n); err != nil {
			return "", err
		}
		domain := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, domain); err != nil {
			return "", err
		}
		return string(domain), nil
	default:
		return "", fmt.Errorf("unsupported address type %d", addrType)
	}
}

// reply writes [version, status, reserved, IPv4 0.0.0.0:0].
func reply(conn net.Conn, status byte) error {
	_, err := conn.Write([]byte{socks5Version, status, 0x00, socks5IPv4, 0, 0, 0, 0, 0, 0})
	return err
}
