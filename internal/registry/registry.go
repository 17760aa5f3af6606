package registry

import (
    "sync"
    "time"

    "github.com/zmlAEQ/quorum-node/internal/chain"
)

// ProTxHash identifies a masternode by its registration transaction.
type ProTxHash = chain.Hash

// Masternode is one entry of the deterministic masternode list. Operator key
// and address come from the registry snapshot; the quorum core never mutates
// them.
type Masternode struct {
    ProTxHash ProTxHash
    // ConfirmedHashWithProTxHash is H(proTxHash, confirmedHash), precomputed
    // by the registry so quorum scoring is a single hash per candidate.
    ConfirmedHashWithProTxHash chain.Hash
    // OperatorPubKey is the compressed BLS G1 operator key.
    OperatorPubKey []byte
    Address        string
    // Banned masternodes stay in the list but are not quorum-eligible.
    Banned bool
}

// Registry supplies deterministic masternode snapshots pinned to blocks.
type Registry interface {
    // MembersAt returns the full valid-masternode list for the given block.
    // The returned slice must be identical across nodes for one block hash.
    MembersAt(base *chain.BlockIndex) []*Masternode
}

// Punisher is the PoSe scoring sink for peer misbehavior.
type Punisher interface {
    Punish(peerID string, score int, reason string)
}

// MetaStore tracks per-masternode connection metadata consumed by the probe
// planner. Memoryless across restarts.
type MetaStore struct {
    mu           sync.Mutex
    lastOutbound map[ProTxHash]time.Time
}

func NewMetaStore() *MetaStore {
    return &MetaStore{lastOutbound: make(map[ProTxHash]time.Time)}
}

func (m *MetaStore) SetLastOutboundSuccess(h ProTxHash, at time.Time) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.lastOutbound[h] = at
}

// LastOutboundSuccess returns the zero time when the node was never reached.
func (m *MetaStore) LastOutboundSuccess(h ProTxHash) time.Time {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.lastOutbound[h]
}

// MemoryRegistry is a fixed snapshot registry for tests and devnets.
type MemoryRegistry struct {
    mu  sync.RWMutex
    mns []*Masternode
}

func NewMemoryRegistry(mns []*Masternode) *MemoryRegistry {
    return &MemoryRegistry{mns: mns}
}

func (r *MemoryRegistry) SetList(mns []*Masternode) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.mns = mns
}

func (r *MemoryRegistry) MembersAt(_ *chain.BlockIndex) []*Masternode {
    r.mu.RLock()
    defer r.mu.RUnlock()
    out := make([]*Masternode, len(r.mns))
    copy(out, r.mns)
    return out
}
