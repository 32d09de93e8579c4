package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/canlink/can-gateway/internal/logging"
	"github.com/canlink/can-gateway/internal/metrics"
)

const (
	defaultReplyTimeout = 5 * time.Second
	defaultQueueSize    = 8
)

// Server accepts control-plane HTTP requests and queues them as commands
// for the forwarding loop. It implements http.Handler so tests can drive
// it without a listener.
//
//	POST   /session  {ID, Index, Devices[] or DeviceCount, IP, Port} -> start
//	DELETE /session                                                  -> stop
//	anything else                                                    -> queued as Unknown
type Server struct {
	log          *slog.Logger
	addr         string
	cmds         chan *Command
	replyTimeout time.Duration

	httpSrv  *http.Server
	listener net.Listener
}

type ServerOption func(*Server)

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithReplyTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.replyTimeout = d
		}
	}
}

func NewServer(addr string, opts ...ServerOption) *Server {
	s := &Server{
		log:          logging.L(),
		addr:         addr,
		cmds:         make(chan *Command, defaultQueueSize),
		replyTimeout: defaultReplyTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Poll returns the oldest queued command without blocking.
func (s *Server) Poll() (*Command, bool) {
	select {
	case cmd := <-s.cmds:
		return cmd, true
	default:
		return nil, false
	}
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background. It returns once
// the listener is bound so callers can advertise the real port.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s}
	go func() {
		s.log.Info("control_listen", "addr", ln.Addr().String())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control_http_error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shctx)
	}()
	return nil
}

// startBody is the JSON session announcement from the controller. Either
// the Devices roster or an explicit DeviceCount sizes the peer roster.
type startBody struct {
	ID          uint32            `json:"ID"`
	Index       uint16            `json:"Index"`
	Devices     []json.RawMessage `json:"Devices"`
	DeviceCount int               `json:"DeviceCount"`
	IP          string            `json:"IP"`
	Port        int               `json:"Port"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cmd *Command
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/session":
		var body startBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			metrics.IncError(metrics.ErrControl)
			http.Error(w, "bad session body: "+err.Error(), http.StatusBadRequest)
			return
		}
		cmd = NewCommand(KindStart)
		cmd.ID = body.ID
		cmd.Index = body.Index
		cmd.DeviceCount = body.DeviceCount
		if len(body.Devices) > 0 {
			cmd.DeviceCount = len(body.Devices)
		}
		cmd.Address = body.IP
		cmd.Port = body.Port
	case r.Method == http.MethodDelete && r.URL.Path == "/session":
		cmd = NewCommand(KindStop)
	default:
		// Still routed through the loop so "not implemented" is its
		// decision, not the transport's.
		cmd = NewCommand(KindUnknown)
	}

	select {
	case s.cmds <- cmd:
	default:
		metrics.IncError(metrics.ErrControl)
		http.Error(w, "command queue full", http.StatusServiceUnavailable)
		return
	}

	select {
	case res := <-cmd.reply:
		w.WriteHeader(res.Code)
		_, _ = w.Write([]byte(res.Message + "\n"))
	case <-time.After(s.replyTimeout):
		metrics.IncError(metrics.ErrControl)
		http.Error(w, "forwarding loop did not answer", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}
