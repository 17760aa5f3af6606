package quorum

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/zmlAEQ/quorum-node/internal/chain"
	"github.com/zmlAEQ/quorum-node/internal/registry"
	"github.com/zmlAEQ/quorum-node/pkg/logger"
)

// SporkGate exposes the network feature flags the planner consults. The
// concrete values are operator policy; the core only evaluates predicates.
type SporkGate interface {
	AllMembersConnected(t Type) bool
	QuorumPoSe(t Type) bool
}

// StaticSporks is a fixed SporkGate for wiring and tests.
type StaticSporks struct {
	AllConnected bool
	PoSe         bool
}

func (s StaticSporks) AllMembersConnected(Type) bool { return s.AllConnected }
func (s StaticSporks) QuorumPoSe(Type) bool          { return s.PoSe }

// ConnectionManager is the declarative surface of the external peer manager.
// The planner computes sets; opening and closing sockets is not its concern.
type ConnectionManager interface {
	SetQuorumNodes(t Type, baseHash chain.Hash, members map[chain.Hash]struct{})
	SetRelayMembers(t Type, baseHash chain.Hash, members map[chain.Hash]struct{})
	AddProbes(members map[chain.Hash]struct{})
	HasQuorumNodes(t Type, baseHash chain.Hash) bool
}

// RelayMembers returns the ring-relay neighbor set for forMember at list
// index i: indices (i + 2^k) mod n with k up to max(1, floor(log2(n-1))-1).
// With onlyOutbound false the inbound side of each edge is included too.
func RelayMembers(members []*registry.Masternode, forMember chain.Hash, onlyOutbound bool) map[chain.Hash]struct{} {
	result := make(map[chain.Hash]struct{})
	n := len(members)
	if n < 2 {
		return result
	}

	calcOutbound := func(i int, proTxHash chain.Hash) map[chain.Hash]struct{} {
		r := make(map[chain.Hash]struct{})
		gap := 1
		gapMax := n - 1
		k := 0
		for (gapMax >> 1) != 0 || k <= 1 {
			gapMax >>= 1
			idx := (i + gap) % n
			other := members[idx]
			gap <<= 1
			k++
			if other.ProTxHash == proTxHash {
				continue
			}
			r[other.ProTxHash] = struct{}{}
		}
		return r
	}

	for i, mn := range members {
		if mn.ProTxHash == forMember {
			for h := range calcOutbound(i, mn.ProTxHash) {
				result[h] = struct{}{}
			}
		} else if !onlyOutbound {
			r := calcOutbound(i, mn.ProTxHash)
			if _, ok := r[forMember]; ok {
				result[mn.ProTxHash] = struct{}{}
			}
		}
	}
	return result
}

// Connections returns the outbound-connection candidates for forMember.
// With the all-connected spork active every other member is a candidate, and
// the deterministic-outbound rule decides which side initiates so both peers
// agree; otherwise the ring-relay set is used.
func Connections(params Params, sporks SporkGate, members []*registry.Masternode, forMember chain.Hash, onlyOutbound bool) map[chain.Hash]struct{} {
	if !sporks.AllMembersConnected(params.Type) {
		return RelayMembers(members, forMember, onlyOutbound)
	}
	result := make(map[chain.Hash]struct{})
	for _, mn := range members {
		if mn.ProTxHash == forMember {
			continue
		}
		if !onlyOutbound || DeterministicOutbound(forMember, mn.ProTxHash) == forMember {
			result[mn.ProTxHash] = struct{}{}
		}
	}
	return result
}

// WatchSeed is the process-wide seed for watch-mode connection walks.
// Generated once on first use; not persisted across restarts.
type WatchSeed struct {
	once sync.Once
	seed chain.Hash
}

func (w *WatchSeed) Get() chain.Hash {
	w.once.Do(func() {
		if _, err := rand.Read(w.seed[:]); err != nil {
			logger.ErrorJ("quorum_watch_seed", map[string]any{"result": "error", "err": err.Error()})
		}
	})
	return w.seed
}

// WatchConnections picks count member indices by iterating
// r_{k+1} = H(r_k, type, baseHash) from the process seed. The walk varies
// across quorums but is fixed for one (type, base, seed).
func WatchConnections(t Type, baseHash chain.Hash, seed chain.Hash, memberCount, count int) map[int]struct{} {
	result := make(map[int]struct{})
	if memberCount <= 0 {
		return result
	}
	rnd := seed
	for i := 0; i < count; i++ {
		rnd = hashConcat(rnd[:], []byte{byte(t)}, baseHash[:])
		idx := binary.LittleEndian.Uint64(rnd[:8]) % uint64(memberCount)
		result[int(idx)] = struct{}{}
	}
	return result
}

// probeMaxAge is how stale an outbound success may be before a member is
// probed again. Re-probing well before the DKG "good connection" check keeps
// healthy members from tripping it on the brink of timeout.
const probeMaxAge = 10 * time.Minute

// ProbeTargets selects members whose last successful outbound is older than
// probeMaxAge. Empty unless the PoSe spork is active.
func ProbeTargets(params Params, sporks SporkGate, meta *registry.MetaStore, members []*registry.Masternode, myProTxHash chain.Hash, now time.Time) map[chain.Hash]struct{} {
	result := make(map[chain.Hash]struct{})
	if !sporks.QuorumPoSe(params.Type) {
		return result
	}
	for _, mn := range members {
		if mn.ProTxHash == myProTxHash {
			continue
		}
		if now.Sub(meta.LastOutboundSuccess(mn.ProTxHash)) > probeMaxAge {
			result[mn.ProTxHash] = struct{}{}
		}
	}
	return result
}

// EnsureConnections computes and declares the connection and relay sets for
// one quorum instantiation. Returns false when the local node neither is a
// member nor watches quorums.
func EnsureConnections(params Params, sporks SporkGate, connman ConnectionManager, members []*registry.Masternode, baseHash chain.Hash, myProTxHash chain.Hash, watchQuorums bool, watchSeed chain.Hash) bool {
	isMember := false
	for _, mn := range members {
		if mn.ProTxHash == myProTxHash {
			isMember = true
			break
		}
	}
	if !isMember && !watchQuorums {
		return false
	}

	var connections, relayMembers map[chain.Hash]struct{}
	if isMember {
		connections = Connections(params, sporks, members, myProTxHash, true)
		relayMembers = RelayMembers(members, myProTxHash, true)
	} else {
		connections = make(map[chain.Hash]struct{})
		for idx := range WatchConnections(params.Type, baseHash, watchSeed, len(members), 1) {
			connections[members[idx].ProTxHash] = struct{}{}
		}
		relayMembers = connections
	}

	if len(connections) > 0 {
		if !connman.HasQuorumNodes(params.Type, baseHash) {
			logger.InfoJ("quorum_connections", map[string]any{"type": params.Name, "quorum": baseHash.String(), "count": len(connections), "watch": !isMember})
		}
		connman.SetQuorumNodes(params.Type, baseHash, connections)
	}
	if len(relayMembers) > 0 {
		connman.SetRelayMembers(params.Type, baseHash, relayMembers)
	}
	return true
}
