package monitoring

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/zmlAEQ/quorum-node/pkg/lifecycle"
	"github.com/zmlAEQ/quorum-node/pkg/logger"
	"github.com/zmlAEQ/quorum-node/pkg/metrics"
)

// Service serves Prometheus metrics and the DKG debug snapshot.
type Service struct {
	addr   string
	status func() any
	srv    *http.Server
}

// New constructs the monitoring service. status may be nil.
func New(addr string, status func() any) *Service {
	return &Service{addr: addr, status: status}
}

func (s *Service) Name() string { return "monitoring" }

func (s *Service) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/dkg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var body any
		if s.status != nil {
			body = s.status()
		}
		_ = json.NewEncoder(w).Encode(body)
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.ErrorJ("monitoring", map[string]any{"result": "serve_error", "err": err.Error()})
		}
	}()
	logger.InfoJ("monitoring", map[string]any{"result": "ok", "addr": ln.Addr().String()})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

var _ lifecycle.Service = (*Service)(nil)
