package metrics

import (
	"bufio"
	"net"
	"time"

	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// Server is the local metrics endpoint: a single net.Listener (unix or
// tcp, selected by the network passed to Listen) whose accepted
// connections are each handled on their own goroutine. Each connection
// reads the client's request, writes the full Prometheus-text
// snapshot, and closes — exactly
// the "one request per connection" contract in §4.I, deliberately not
// an HTTP server: spec's metrics endpoint is a raw stream socket, not
// a REST surface.
type Server struct {
	ln      net.Listener
	metrics *Metrics
	log     *zap.Logger
}

// Listen opens the metrics socket at addr. network is "unix" or
// "tcp", matching the teacher's engine.MetricsStore.Handler but over a
// plain listener instead of net/http.
func Listen(network, addr string, m *Metrics, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, metrics: m, log: log}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the listener is closed (by Close,
// typically from the supervisor's shutdown sequence).
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Read whatever the client sent first; content is ignored, any bytes
	// at all trigger a snapshot per §6.
	r := bufio.NewReader(conn)
	_, _ = r.ReadByte()

	mfs, err := s.metrics.reg.Gather()
	if err != nil {
		if s.log != nil {
			s.log.Warn("metrics: gather failed", zap.Error(err))
		}
		return
	}
	enc := expfmt.NewEncoder(conn, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return
		}
	}
}
