package server

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"

	"github.com/skiffhq/skiff/internal/metrics"
)

// maxPortDraws bounds the number of random ports the server will try when
// a client asks for port 0 ("any"). At 85% range utilization (a free
// fraction epsilon = 0.15), all 150 independent draws fail with
// probability 0.85^150 ≈ 2.6e-11, well under 1e-5.
const maxPortDraws = 150

// ErrEmptyPortRange is returned when the configured range is empty.
var ErrEmptyPortRange = errors.New("server: port range is empty")

// ErrNoAvailablePort is returned when no port could be bound after
// maxPortDraws attempts.
var ErrNoAvailablePort = errors.New("failed to find an available port")

// ErrPortOutOfRange is returned when a specific requested port falls
// outside the configured range.
var ErrPortOutOfRange = errors.New("requested port is out of range")

// bindPort binds a listener for the requested port. A requested port of 0
// draws up to maxPortDraws random ports from [minPort, maxPort] and binds
// the first that succeeds. A nonzero port is bound exactly, or rejected if
// out of range.
func (s *Server) bindPort(requested uint16) (net.Listener, error) {
	if requested != 0 {
		if requested < s.minPort || requested > s.maxPort {
			return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrPortOutOfRange, requested, s.minPort, s.maxPort)
		}
		return bindExact(requested)
	}

	span := int(s.maxPort) - int(s.minPort) + 1
	for i := 0; i < maxPortDraws; i++ {
		port := uint16(int(s.minPort) + rand.Intn(span))
		ln, err := bindExact(port)
		if err == nil {
			s.recordMetric(func(r *metrics.Recorder) { r.PortAllocAttempts(i + 1) })
			return ln, nil
		}
	}
	return nil, ErrNoAvailablePort
}

// bindExact binds a single TCP listener on the given port, translating
// common bind failures into the textual reasons the protocol reports back
// to the client.
func bindExact(port uint16) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err == nil {
		return ln, nil
	}

	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return nil, errors.New("port already in use")
	case errors.Is(err, syscall.EACCES):
		return nil, errors.New("permission denied")
	default:
		return nil, fmt.Errorf("failed to bind to port: %w", err)
	}
}
