package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// SocketChecker dials a unix or tcp socket
type SocketChecker struct {
	Network string // "unix" or "tcp"
	Address string
	Timeout time.Duration
}

// NewSocketChecker creates a socket checker with a 5 second timeout
func NewSocketChecker(network, address string) *SocketChecker {
	return &SocketChecker{
		Network: network,
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check performs the dial
func (s *SocketChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: s.Timeout}
	conn, err := dialer.DialContext(ctx, s.Network, s.Address)
	if err != nil {
		return failed(start, fmt.Sprintf("dial %s: %v", s.Address, err))
	}
	defer conn.Close()

	return passed(start, "accepting connections")
}

// Type returns the health check type
func (s *SocketChecker) Type() CheckType {
	return CheckTypeSocket
}
