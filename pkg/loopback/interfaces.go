package loopback

// ListenerStats defines the interface for retrieving listener statistics.
type ListenerStats interface {
	// GetClientCount returns the number of currently connected clients.
	GetClientCount() int

	// GetTotalConnections returns the total number of connections made since startup.
	GetTotalConnections() int

	// GetLastError returns the last error that occurred.
	GetLastError() error
}
