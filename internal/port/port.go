package port

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
)

// ErrNoPortAvailable is returned when every port in the scanned range is occupied.
var ErrNoPortAvailable = errors.New("no available port")

// Host is the loopback address ports are scanned on. The backend binds the same
// interface, so checking anything wider would report false positives.
const Host = "127.0.0.1"

// Available reports whether a listener can be bound on Host:port right now.
// The scan listener is released before returning.
func Available(port uint16) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(Host, strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// FindAvailable tries [start, start+attempts) in ascending order and returns the
// first port that can be bound. The range is clipped at 65535.
//
// A port reported free may be taken by another process before the caller binds
// it; that race is not retried here.
func FindAvailable(start, attempts uint16) (uint16, error) {
	if attempts == 0 {
		return 0, fmt.Errorf("%w: zero attempts requested", ErrNoPortAvailable)
	}
	end := int(start) + int(attempts)
	if end > math.MaxUint16+1 {
		end = math.MaxUint16 + 1
	}
	for p := int(start); p < end; p++ {
		if p == 0 {
			// port 0 asks the kernel for an ephemeral port; never hand that out
			continue
		}
		if Available(uint16(p)) {
			return uint16(p), nil
		}
	}
	return 0, fmt.Errorf("%w: tried %d-%d", ErrNoPortAvailable, start, end-1)
}
