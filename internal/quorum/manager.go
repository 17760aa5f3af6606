package quorum

import (
	"context"
	"fmt"
	"time"

	"github.com/zmlAEQ/quorum-node/internal/bls"
	"github.com/zmlAEQ/quorum-node/internal/chain"
	"github.com/zmlAEQ/quorum-node/internal/registry"
	"github.com/zmlAEQ/quorum-node/pkg/lifecycle"
	"github.com/zmlAEQ/quorum-node/pkg/logger"
)

// ManagerConfig selects the quorum types to run and the shared knobs.
type ManagerConfig struct {
	Types []Type

	WatchQuorums       bool
	MaxMessagesPerPeer int
	PhaseSleepFactor   float64
	DrainBatchSize     int
	BlockSpacing       time.Duration

	MyProTxHash chain.Hash
	OperatorKey *bls.SecretKey

	// WorkerSize bounds the BLS verification pool.
	WorkerSize int
}

// ManagerDeps are the collaborator interfaces shared by all schedulers.
type ManagerDeps struct {
	Chain     chain.View
	Registry  registry.Registry
	Meta      *registry.MetaStore
	Punisher  registry.Punisher
	Sporks    SporkGate
	ConnMan   ConnectionManager
	Sink      CommitmentSink
	Broadcast Broadcaster
}

// Manager is the lifecycle coordinator: it owns one scheduler per quorum
// type, the shared membership cache, the watch seed and the BLS worker, and
// fans block tips and network messages to the right scheduler.
type Manager struct {
	cfg      ManagerConfig
	handlers map[Type]*Handler
	cache    *MemberCache
	worker   *bls.Worker
	watchSeed WatchSeed
}

func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if len(cfg.Types) == 0 {
		return nil, fmt.Errorf("quorum: no quorum types configured")
	}
	m := &Manager{
		cfg:      cfg,
		handlers: make(map[Type]*Handler, len(cfg.Types)),
		cache:    NewMemberCache(deps.Registry, cfg.Types),
		worker:   bls.NewWorker(cfg.WorkerSize),
	}
	for _, t := range cfg.Types {
		params, ok := GetParams(t)
		if !ok {
			return nil, fmt.Errorf("quorum: unknown quorum type %d", t)
		}
		hcfg := HandlerConfig{
			WatchQuorums:       cfg.WatchQuorums,
			MaxMessagesPerPeer: cfg.MaxMessagesPerPeer,
			PhaseSleepFactor:   cfg.PhaseSleepFactor,
			DrainBatchSize:     cfg.DrainBatchSize,
			BlockSpacing:       cfg.BlockSpacing,
			MyProTxHash:        cfg.MyProTxHash,
			OperatorKey:        cfg.OperatorKey,
		}
		hdeps := HandlerDeps{
			Chain:     deps.Chain,
			Members:   m.cache,
			Sporks:    deps.Sporks,
			ConnMan:   deps.ConnMan,
			Meta:      deps.Meta,
			Punisher:  deps.Punisher,
			Sink:      deps.Sink,
			Broadcast: deps.Broadcast,
			Worker:    m.worker,
			WatchSeed: &m.watchSeed,
		}
		m.handlers[t] = NewHandler(params, hcfg, hdeps)
	}
	return m, nil
}

func (m *Manager) Name() string { return "quorum-dkg" }

// Start spawns one scheduler worker per quorum type.
func (m *Manager) Start(_ context.Context) error {
	for t, h := range m.handlers {
		h.StartWorker()
		logger.InfoJ("dkg_manager", map[string]any{"op": "start", "type": int(t)})
	}
	return nil
}

// Stop signals every scheduler and joins their workers, then stops the BLS
// pool. Buffers die with their consumers.
func (m *Manager) Stop(_ context.Context) error {
	for _, h := range m.handlers {
		h.StopWorker()
	}
	m.worker.Stop()
	logger.InfoJ("dkg_manager", map[string]any{"op": "stop", "result": "ok"})
	return nil
}

// UpdatedBlockTip fans the new tip to every scheduler. Non-blocking.
func (m *Manager) UpdatedBlockTip(tip *chain.BlockIndex) {
	if tip == nil {
		return
	}
	for _, h := range m.handlers {
		h.UpdatedBlockTip(tip)
	}
}

// ProcessMessage routes a raw network message by its leading quorum-type
// byte and command tag. Unknown commands and types are dropped; they are
// expected around version skew and not worth punishing.
func (m *Manager) ProcessMessage(peerID string, command string, raw []byte) {
	switch command {
	case CmdContribution, CmdComplaint, CmdJustification, CmdCommitment:
	default:
		return
	}
	if len(raw) < 1 {
		return
	}
	h, ok := m.handlers[Type(raw[0])]
	if !ok {
		return
	}
	h.ProcessMessage(peerID, command, raw[1:])
}

// CurrentPhaseAndQuorum is the diagnostics read for one quorum type.
func (m *Manager) CurrentPhaseAndQuorum(t Type) (Phase, chain.Hash, bool) {
	h, ok := m.handlers[t]
	if !ok {
		return PhaseNone, chain.Hash{}, false
	}
	p, q := h.GetPhaseAndQuorumHash()
	return p, q, true
}

// TypeStatus is the per-type diagnostics snapshot served by monitoring.
type TypeStatus struct {
	Type       string         `json:"type"`
	Phase      string         `json:"phase"`
	QuorumHash string         `json:"quorum_hash"`
	Buffers    map[string]int `json:"buffers"`
}

// Status snapshots every scheduler for the debug endpoint.
func (m *Manager) Status() []TypeStatus {
	out := make([]TypeStatus, 0, len(m.handlers))
	for _, h := range m.handlers {
		p, q := h.GetPhaseAndQuorumHash()
		out = append(out, TypeStatus{
			Type:       h.params.Name,
			Phase:      p.String(),
			QuorumHash: q.String(),
			Buffers:    h.BufferDepths(),
		})
	}
	return out
}

var _ lifecycle.Service = (*Manager)(nil)
