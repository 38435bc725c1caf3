// Package loopback provides in-process endpoints the driver can be pointed
// at: an echo listener (plain TCP or TLS) and a SOCKS5 relay.
package loopback

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/frjcomp/dropprobe/pkg/logging"
	"github.com/frjcomp/dropprobe/pkg/protocol"
)

// Option configures a Listener.
type Option func(*Listener)

// WithGreeting makes the listener write greeting to every new connection
// before echoing.
func WithGreeting(greeting string) Option {
	return func(l *Listener) { l.greeting = greeting }
}

// WithCloseAfterGreeting makes the listener hang up right after the greeting.
func WithCloseAfterGreeting() Option {
	return func(l *Listener) { l.closeAfterGreeting = true }
}

// WithSilence makes the listener read and discard input without replying.
func WithSilence() Option {
	return func(l *Listener) { l.silent = true }
}

// Listener is an echo endpoint that writes every received byte back to its
// sender. It tracks how many connections are open and how many were accepted.
type Listener struct {
	port               string
	networkInterface   string
	tlsConfig          *tls.Config
	greeting           string
	closeAfterGreeting bool
	silent             bool

	clients          map[string]net.Conn
	totalConnections int
	lastError        error
	mutex            sync.Mutex
	log              zerolog.Logger
}

var _ ListenerStats = (*Listener)(nil)

// NewListener creates an echo listener on networkInterface:port. A nil
// tlsConfig serves plain TCP.
func NewListener(port, networkInterface string, tlsConfig *tls.Config, opts ...Option) *Listener {
	l := &Listener{
		port:             port,
		networkInterface: networkInterface,
		tlsConfig:        tlsConfig,
		clients:          make(map[string]net.Conn),
		log:              logging.WithComponent("loopback"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins listening and accepts connections in a background goroutine.
// Closing the returned net.Listener stops accepting; open connections are
// closed by Close.
func (l *Listener) Start() (net.Listener, error) {
	address := net.JoinHostPort(l.networkInterface, l.port)

	var (
		listener net.Listener
		err      error
	)
	if l.tlsConfig != nil {
		listener, err = tls.Listen("tcp", address, l.tlsConfig)
	} else {
		listener, err = net.Listen("tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	l.log.Debug().Str("addr", listener.Addr().String()).Bool("tls", l.tlsConfig != nil).Msg("echo listener started")
	go l.acceptConnections(listener)
	return listener, nil
}

// acceptConnections accepts incoming client connections
func (l *Listener) acceptConnections(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isBenignCloseError(err) {
				return
			}
			l.setLastError(err)
			l.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go l.handleClient(conn)
	}
}

// handleClient echoes one connection until the peer goes away
func (l *Listener) handleClient(conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()

	l.mutex.Lock()
	l.clients[clientAddr] = conn
	l.totalConnections++
	l.mutex.Unlock()

	defer func() {
		conn.Close()
		l.mutex.Lock()
		delete(l.clients, clientAddr)
		l.mutex.Unlock()
		l.log.Debug().Str("client", clientAddr).Msg("client disconnected")
	}()

	l.log.Debug().Str("client", clientAddr).Msg("client connected")

	if l.greeting != "" {
		if _, err := io.WriteString(conn, l.greeting); err != nil {
			l.setLastError(err)
			return
		}
	}
	if l.closeAfterGreeting {
		return
	}

	buf := make([]byte, protocol.RecvChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 && !l.silent {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				if !isBenignCloseError(werr) {
					l.setLastError(werr)
				}
				return
			}
		}
		if err != nil {
			if err != io.EOF && !isBenignCloseError(err) {
				l.setLastError(err)
				l.log.Debug().Err(err).Str("client", clientAddr).Msg("read failed")
			}
			return
		}
	}
}

func (l *Listener) setLastError(err error) {
	l.mutex.Lock()
	l.lastError = err
	l.mutex.Unlock()
}

// Close hangs up every open client connection.
func (l *Listener) Close() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for _, conn := range l.clients {
		conn.Close()
	}
}

// GetClientCount returns the number of currently open connections.
func (l *Listener) GetClientCount() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.clients)
}

// GetTotalConnections returns the number of connections accepted since Start.
func (l *Listener) GetTotalConnections() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.totalConnections
}

// GetLastError returns the last I/O error seen on any connection.
func (l *Listener) GetLastError() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.lastError
}
