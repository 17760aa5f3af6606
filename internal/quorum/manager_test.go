package quorum

import (
    "context"
    "testing"

    "github.com/zmlAEQ/quorum-node/internal/chain"
    "github.com/zmlAEQ/quorum-node/internal/registry"
)

func mkManager(t *testing.T) *Manager {
    t.Helper()
    mgr, err := NewManager(ManagerConfig{Types: []Type{TypeTest}}, ManagerDeps{
        Chain:    chain.NewMemoryChain(),
        Registry: registry.NewMemoryRegistry(mkMasternodes(3)),
        Meta:     registry.NewMetaStore(),
        Sporks:   StaticSporks{},
        ConnMan:  newFakeConnMan(),
        Sink:     &recordSink{},
        Broadcast: &loopPort{net: &loopNet{}, self: 0},
    })
    if err != nil {
        t.Fatalf("new manager: %v", err)
    }
    return mgr
}

func TestManager_StartStop(t *testing.T) {
    mgr := mkManager(t)
    if err := mgr.Start(context.Background()); err != nil {
        t.Fatalf("start: %v", err)
    }
    if err := mgr.Stop(context.Background()); err != nil {
        t.Fatalf("stop: %v", err)
    }
}

func TestManager_UnknownTypeRejected(t *testing.T) {
    _, err := NewManager(ManagerConfig{Types: []Type{Type(42)}}, ManagerDeps{
        Chain:    chain.NewMemoryChain(),
        Registry: registry.NewMemoryRegistry(nil),
    })
    if err == nil {
        t.Fatalf("want error for unknown quorum type")
    }
}

func TestManager_MessageRouting(t *testing.T) {
    mgr := mkManager(t)
    h := mgr.handlers[TypeTest]

    payload := []byte(`{"quorum_hash":"00"}`)
    enveloped := append([]byte{byte(TypeTest)}, payload...)

    mgr.ProcessMessage("peer-a", CmdContribution, enveloped)
    if got := h.pendingContributions.Len(); got != 1 {
        t.Fatalf("want routed contribution, got %d", got)
    }

    // Unknown quorum type and unknown command are dropped quietly.
    mgr.ProcessMessage("peer-a", CmdContribution, append([]byte{0x7F}, payload...))
    mgr.ProcessMessage("peer-a", "qunknown", enveloped)
    mgr.ProcessMessage("peer-a", CmdComplaint, nil)
    if got := h.pendingComplaints.Len(); got != 0 {
        t.Fatalf("unexpected complaint routed: %d", got)
    }

    mgr.ProcessMessage("peer-b", CmdCommitment, enveloped)
    if got := h.pendingCommitments.Len(); got != 1 {
        t.Fatalf("want routed commitment, got %d", got)
    }
}

func TestManager_StatusAndDiagnostics(t *testing.T) {
    mgr := mkManager(t)
    st := mgr.Status()
    if len(st) != 1 || st[0].Type != "quorum_test" {
        t.Fatalf("unexpected status: %+v", st)
    }
    if st[0].Phase != PhaseIdle.String() {
        t.Fatalf("want idle before any tip, got %s", st[0].Phase)
    }
    if _, _, ok := mgr.CurrentPhaseAndQuorum(TypeTest); !ok {
        t.Fatalf("want diagnostics for configured type")
    }
    if _, _, ok := mgr.CurrentPhaseAndQuorum(Type50_60); ok {
        t.Fatalf("diagnostics for unconfigured type")
    }
}
