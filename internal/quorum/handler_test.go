package quorum

import (
    "crypto/rand"
    "crypto/sha256"
    "encoding/binary"
    "encoding/json"
    "sync"
    "testing"
    "time"

    "github.com/zmlAEQ/quorum-node/internal/bls"
    "github.com/zmlAEQ/quorum-node/internal/chain"
    "github.com/zmlAEQ/quorum-node/internal/registry"
)

type fakeConnMan struct {
    mu     sync.Mutex
    nodes  map[chain.Hash]map[chain.Hash]struct{}
    relays map[chain.Hash]map[chain.Hash]struct{}
    probes map[chain.Hash]struct{}
}

func newFakeConnMan() *fakeConnMan {
    return &fakeConnMan{
        nodes:  make(map[chain.Hash]map[chain.Hash]struct{}),
        relays: make(map[chain.Hash]map[chain.Hash]struct{}),
        probes: make(map[chain.Hash]struct{}),
    }
}

func (f *fakeConnMan) SetQuorumNodes(_ Type, baseHash chain.Hash, members map[chain.Hash]struct{}) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.nodes[baseHash] = members
}

func (f *fakeConnMan) SetRelayMembers(_ Type, baseHash chain.Hash, members map[chain.Hash]struct{}) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.relays[baseHash] = members
}

func (f *fakeConnMan) AddProbes(members map[chain.Hash]struct{}) {
    f.mu.Lock()
    defer f.mu.Unlock()
    for h := range members {
        f.probes[h] = struct{}{}
    }
}

func (f *fakeConnMan) HasQuorumNodes(_ Type, baseHash chain.Hash) bool {
    f.mu.Lock()
    defer f.mu.Unlock()
    _, ok := f.nodes[baseHash]
    return ok
}

func (f *fakeConnMan) nodesFor(baseHash chain.Hash) map[chain.Hash]struct{} {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.nodes[baseHash]
}

type recordSink struct {
    mu  sync.Mutex
    fcs []*FinalCommitment
}

func (s *recordSink) AddMineableCommitment(fc *FinalCommitment) {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.fcs = append(s.fcs, fc)
}

func (s *recordSink) commitments() []*FinalCommitment {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make([]*FinalCommitment, len(s.fcs))
    copy(out, s.fcs)
    return out
}

type sentMsg struct {
    command string
    quorum  chain.Hash
}

// loopNet is an in-process full mesh: every broadcast is pushed into the
// other handlers' pending buffers, as the network threads would.
type loopNet struct {
    mu       sync.Mutex
    handlers []*Handler
    peerIDs  []string
    sent     []sentMsg
}

type loopPort struct {
    net  *loopNet
    self int
}

func (p *loopPort) BroadcastQuorumMessage(_ Type, command string, payload []byte) error {
    var probe struct {
        QuorumHash chain.Hash `json:"quorum_hash"`
    }
    _ = json.Unmarshal(payload, &probe)
    p.net.mu.Lock()
    p.net.sent = append(p.net.sent, sentMsg{command: command, quorum: probe.QuorumHash})
    handlers := append([]*Handler(nil), p.net.handlers...)
    peer := p.net.peerIDs[p.self]
    p.net.mu.Unlock()
    for i, h := range handlers {
        if i == p.self {
            continue
        }
        h.ProcessMessage(peer, command, payload)
    }
    return nil
}

func (n *loopNet) sentCount() int {
    n.mu.Lock()
    defer n.mu.Unlock()
    return len(n.sent)
}

func (n *loopNet) sentSince(idx int) []sentMsg {
    n.mu.Lock()
    defer n.mu.Unlock()
    return append([]sentMsg(nil), n.sent[idx:]...)
}

type testNode struct {
    mn   *registry.Masternode
    key  *bls.SecretKey
    h    *Handler
    sink *recordSink
    conn *fakeConnMan
}

type testNet struct {
    params Params
    chain  *chain.MemoryChain
    nodes  []*testNode
    net    *loopNet
    worker *bls.Worker
}

func mkTestNet(t *testing.T, n int) *testNet {
    t.Helper()
    params, _ := GetParams(TypeTest)
    params.Size = n

    all := make([]*registry.Masternode, 0, n)
    keys := make([]*bls.SecretKey, 0, n)
    for i := 0; i < n; i++ {
        sk, err := bls.GenSecretKey(rand.Reader)
        if err != nil {
            t.Fatalf("gen key: %v", err)
        }
        mn := &registry.Masternode{OperatorPubKey: sk.PublicKey()}
        pro := sha256.Sum256([]byte{byte(i), 'P'})
        conf := sha256.Sum256([]byte{byte(i), 'C'})
        copy(mn.ProTxHash[:], pro[:])
        copy(mn.ConfirmedHashWithProTxHash[:], conf[:])
        all = append(all, mn)
        keys = append(keys, sk)
    }

    tn := &testNet{
        params: params,
        chain:  chain.NewMemoryChain(),
        net:    &loopNet{},
        worker: bls.NewWorker(4),
    }
    t.Cleanup(tn.worker.Stop)
    reg := registry.NewMemoryRegistry(all)

    for i := 0; i < n; i++ {
        node := &testNode{mn: all[i], key: keys[i], sink: &recordSink{}, conn: newFakeConnMan()}
        cfg := HandlerConfig{
            MyProTxHash: all[i].ProTxHash,
            OperatorKey: keys[i],
            // BlockSpacing zero: devnet-style, no pre-phase smearing.
        }
        deps := HandlerDeps{
            Chain:     tn.chain,
            Members:   NewMemberCache(reg, []Type{params.Type}),
            Sporks:    StaticSporks{},
            ConnMan:   node.conn,
            Meta:      registry.NewMetaStore(),
            Sink:      node.sink,
            Broadcast: &loopPort{net: tn.net, self: i},
            Worker:    tn.worker,
            WatchSeed: &WatchSeed{},
        }
        h := NewHandler(params, cfg, deps)
        node.h = h
        tn.nodes = append(tn.nodes, node)
        tn.net.handlers = append(tn.net.handlers, h)
        tn.net.peerIDs = append(tn.net.peerIDs, "peer-"+mn5(all[i].ProTxHash))
    }
    for _, node := range tn.nodes {
        node.h.StartWorker()
    }
    t.Cleanup(func() {
        for _, node := range tn.nodes {
            node.h.StopWorker()
        }
    })
    return tn
}

func mn5(h chain.Hash) string { return h.String()[:5] }

// extendTo mines deterministic blocks up to the target height and fans each
// tip to every handler.
func (tn *testNet) extendTo(height uint64) {
    for {
        tip := tn.chain.Tip()
        if tip != nil && tip.Height >= height {
            return
        }
        var next uint64
        if tip != nil {
            next = tip.Height + 1
        }
        var h chain.Hash
        binary.BigEndian.PutUint64(h[:8], next)
        h[31] = 0xA1
        newTip := tn.chain.Extend(h)
        for _, node := range tn.nodes {
            node.h.UpdatedBlockTip(newTip)
        }
    }
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for time.Now().Before(deadline) {
        if cond() {
            return
        }
        time.Sleep(20 * time.Millisecond)
    }
    t.Fatalf("timed out waiting for %s", what)
}

func (tn *testNet) phaseOf(i int) Phase {
    p, _ := tn.nodes[i].h.GetPhaseAndQuorumHash()
    return p
}

func TestHandler_HappyPathRound(t *testing.T) {
    tn := mkTestNet(t, 3)

    tn.extendTo(24)
    waitUntil(t, 5*time.Second, "all handlers initialized", func() bool {
        for i := range tn.nodes {
            if tn.phaseOf(i) != PhaseInitialized {
                return false
            }
        }
        return true
    })
    // Give every worker time to clear buffers and build its session.
    time.Sleep(300 * time.Millisecond)

    for _, h := range []uint64{26, 28, 30, 32} {
        tn.extendTo(h)
        time.Sleep(500 * time.Millisecond)
    }
    tn.extendTo(34)

    waitUntil(t, 10*time.Second, "final commitments", func() bool {
        for _, node := range tn.nodes {
            if len(node.sink.commitments()) == 0 {
                return false
            }
        }
        return true
    })

    base := tn.chain.Tip().Ancestor(24)
    for i, node := range tn.nodes {
        fcs := node.sink.commitments()
        if len(fcs) != 1 {
            t.Fatalf("node %d: want exactly one commitment, got %d", i, len(fcs))
        }
        fc := fcs[0]
        if fc.QuorumHash != base.Hash {
            t.Fatalf("node %d: commitment anchored at wrong base", i)
        }
        if fc.ValidMembers.Count() != 3 || fc.Signers.Count() != 3 {
            t.Fatalf("node %d: want full bitsets, valid=%d signers=%d", i, fc.ValidMembers.Count(), fc.Signers.Count())
        }
        ch := BuildCommitmentHash(tn.params.Type, fc.QuorumHash, fc.ValidMembers, fc.QuorumPublicKey, fc.QuorumVvecHash)
        if !bls.Verify(fc.QuorumPublicKey, ch[:], fc.QuorumSig) {
            t.Fatalf("node %d: final quorum signature invalid", i)
        }
    }
}

func TestHandler_MidRoundReorg(t *testing.T) {
    tn := mkTestNet(t, 3)

    tn.extendTo(24)
    waitUntil(t, 5*time.Second, "initialized", func() bool { return tn.phaseOf(0) == PhaseInitialized })
    time.Sleep(300 * time.Millisecond)
    tn.extendTo(26)
    time.Sleep(400 * time.Millisecond)
    tn.extendTo(28)
    time.Sleep(200 * time.Millisecond)

    oldBase := tn.chain.Tip().Ancestor(24)

    // Rewind below the base block and mine a competing branch; the new base
    // at height 24 carries a different hash.
    var branch []chain.Hash
    for i := 0; i < 6; i++ {
        var h chain.Hash
        binary.BigEndian.PutUint64(h[:8], uint64(1000+i))
        h[31] = 0xB2
        branch = append(branch, h)
    }
    newTip := tn.chain.Reorg(23, branch)
    if newTip.Ancestor(24).Hash == oldBase.Hash {
        t.Fatalf("test setup: reorg did not change the base block")
    }
    for _, node := range tn.nodes {
        node.h.UpdatedBlockTip(newTip)
    }

    waitUntil(t, 5*time.Second, "sessions dropped after reorg", func() bool {
        for _, node := range tn.nodes {
            node.h.mu.Lock()
            alive := node.h.session != nil
            node.h.mu.Unlock()
            if alive {
                return false
            }
        }
        return true
    })

    sentMark := tn.net.sentCount()
    time.Sleep(400 * time.Millisecond)
    for _, m := range tn.net.sentSince(sentMark) {
        if m.quorum == oldBase.Hash {
            t.Fatalf("message for abandoned quorum sent after reorg")
        }
    }
    for i, node := range tn.nodes {
        if len(node.sink.commitments()) != 0 {
            t.Fatalf("node %d produced a commitment for an aborted round", i)
        }
        if node.h.pendingContributions.Len() != 0 {
            t.Fatalf("node %d: buffers not cleared after abort", i)
        }
    }

    // The next interval starts a fresh session on the new branch.
    tn.extendTo(48)
    waitUntil(t, 5*time.Second, "new round after reorg", func() bool {
        for _, node := range tn.nodes {
            node.h.mu.Lock()
            s := node.h.session
            node.h.mu.Unlock()
            if s == nil || s.quorumHash != tn.chain.Tip().Ancestor(48).Hash {
                return false
            }
        }
        return true
    })
}

func TestHandler_WatchMode(t *testing.T) {
    params, _ := GetParams(TypeTest)
    params.Size = 3

    // Three registered masternodes, none of them the local node.
    all := mkMasternodes(3)
    for i := range all {
        sk, _ := bls.GenSecretKey(rand.Reader)
        all[i].OperatorPubKey = sk.PublicKey()
    }
    reg := registry.NewMemoryRegistry(all)
    memChain := chain.NewMemoryChain()

    var myProTx chain.Hash
    my := sha256.Sum256([]byte("observer"))
    copy(myProTx[:], my[:])

    conn := newFakeConnMan()
    sink := &recordSink{}
    net := &loopNet{}
    worker := bls.NewWorker(2)
    defer worker.Stop()

    h := NewHandler(params, HandlerConfig{MyProTxHash: myProTx, WatchQuorums: true}, HandlerDeps{
        Chain:     memChain,
        Members:   NewMemberCache(reg, []Type{params.Type}),
        Sporks:    StaticSporks{},
        ConnMan:   conn,
        Meta:      registry.NewMetaStore(),
        Sink:      sink,
        Broadcast: &loopPort{net: net, self: 0},
        Worker:    worker,
        WatchSeed: &WatchSeed{},
    })
    net.handlers = []*Handler{h}
    net.peerIDs = []string{"observer"}
    h.StartWorker()
    defer h.StopWorker()

    var tip *chain.BlockIndex
    for i := uint64(0); i <= 24; i++ {
        var hash chain.Hash
        binary.BigEndian.PutUint64(hash[:8], i)
        hash[30] = 0xC3
        tip = memChain.Extend(hash)
        h.UpdatedBlockTip(tip)
    }
    base := tip.Ancestor(24)

    waitUntil(t, 5*time.Second, "watch connection declared", func() bool {
        return conn.nodesFor(base.Hash) != nil
    })
    if got := len(conn.nodesFor(base.Hash)); got != 1 {
        t.Fatalf("want exactly one watch connection, got %d", got)
    }

    time.Sleep(300 * time.Millisecond)
    h.mu.Lock()
    alive := h.session != nil
    h.mu.Unlock()
    if alive {
        t.Fatalf("watch-only node created a session")
    }
    if net.sentCount() != 0 {
        t.Fatalf("watch-only node sent DKG messages")
    }
}
