package driver

import "fmt"

// ConnectionError reports that the session could not be established. It is
// the only fatal condition of a run.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// EndReason tells why a read window closed.
type EndReason int

const (
	EndIdle         EndReason = iota // nothing arrived within the timeout
	EndPeerClosed                    // the server closed its side
	EndReset                         // any other read error
	EndCapped                        // MaxResponseSize reached
	EndNotConnected                  // no open connection
)

func (r EndReason) String() string {
	switch r {
	case EndIdle:
		return "idle"
	case EndPeerClosed:
		return "peer-closed"
	case EndReset:
		return "reset"
	case EndCapped:
		return "capped"
	case EndNotConnected:
		return "not-connected"
	default:
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
}
