package topology

import (
	"fmt"
	"net"
	"time"
)

const (
	// DefaultBasePort is the first port handed out, matching mongod's default
	DefaultBasePort = 27017

	// DefaultHost is where generated nodes listen
	DefaultHost = "localhost"

	// MaxPortScanAttempts is the maximum number of ports to try before giving up
	MaxPortScanAttempts = 1000
)

// PortChecker is a function that checks if a port is available
type PortChecker func(port int) (bool, error)

// PortAllocator hands out sequential ports for local clusters
type PortAllocator struct {
	nextPort  int
	allocated map[int]bool
	checker   PortChecker
}

// NewPortAllocator creates a new port allocator
func NewPortAllocator(basePort int) *PortAllocator {
	return NewPortAllocatorWithChecker(basePort, nil)
}

// NewPortAllocatorWithChecker creates a port allocator that skips ports the
// checker reports as taken
func NewPortAllocatorWithChecker(basePort int, checker PortChecker) *PortAllocator {
	if basePort == 0 {
		basePort = DefaultBasePort
	}

	return &PortAllocator{
		nextPort:  basePort,
		allocated: make(map[int]bool),
		checker:   checker,
	}
}

// Next returns the next free port
func (pa *PortAllocator) Next() (int, error) {
	for attempt := 0; attempt < MaxPortScanAttempts; attempt++ {
		port := pa.nextPort
		pa.nextPort++

		if pa.allocated[port] {
			continue
		}
		if port > 65535 {
			break
		}

		if pa.checker != nil {
			available, err := pa.checker(port)
			if err != nil {
				return 0, fmt.Errorf("failed to check port %d: %w", port, err)
			}
			if !available {
				continue
			}
		}

		pa.allocated[port] = true
		return port, nil
	}

	return 0, fmt.Errorf("failed to find available port after %d attempts", MaxPortScanAttempts)
}

// IsPortAvailable checks if a local port is free using a bind test
func IsPortAvailable(port int) (bool, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false, nil
	}
	listener.Close()

	// Double-check with dial
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return true, nil
	}

	conn.Close()
	return false, nil
}
