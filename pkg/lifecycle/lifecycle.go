package lifecycle

import (
    "context"

    "github.com/zmlAEQ/quorum-node/pkg/logger"
)

// Service is the unit of startup/shutdown orchestration.
type Service interface {
    Name() string
    Start(ctx context.Context) error
    Stop(ctx context.Context) error
}

// Manager starts services in registration order and stops them in reverse.
type Manager struct {
    services []Service
    started  int
}

func New() *Manager { return &Manager{} }

func (m *Manager) Add(s Service) { m.services = append(m.services, s) }

// StartAll starts every registered service. On the first failure the already
// started services are stopped in reverse order and the error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
    for i, s := range m.services {
        if err := s.Start(ctx); err != nil {
            logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "error", "err": err.Error()})
            m.started = i
            _ = m.StopAll(context.Background())
            return err
        }
        logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "start", "result": "ok"})
        m.started = i + 1
    }
    return nil
}

// StopAll stops started services in reverse order. The first error is
// retained but every service still gets its Stop call.
func (m *Manager) StopAll(ctx context.Context) error {
    var firstErr error
    for i := m.started - 1; i >= 0; i-- {
        s := m.services[i]
        if err := s.Stop(ctx); err != nil {
            logger.ErrorJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": "error", "err": err.Error()})
            if firstErr == nil {
                firstErr = err
            }
            continue
        }
        logger.InfoJ("service_op", map[string]any{"service": s.Name(), "op": "stop", "result": "ok"})
    }
    m.started = 0
    return firstErr
}
