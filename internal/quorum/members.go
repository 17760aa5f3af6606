package quorum

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zmlAEQ/quorum-node/internal/chain"
	"github.com/zmlAEQ/quorum-node/internal/registry"
	"github.com/zmlAEQ/quorum-node/pkg/metrics"
)

// membersCacheSize bounds the per-type LRU of computed member lists. Old
// entries are still wanted briefly after a new quorum starts (old
// connections are kept around), hence more than one.
const membersCacheSize = 25

// MemberCache computes and caches deterministic quorum member lists. Owned
// by the coordinator; entries are immutable once inserted.
type MemberCache struct {
	reg    registry.Registry
	caches map[Type]*lru.Cache[chain.Hash, []*registry.Masternode]
}

func NewMemberCache(reg registry.Registry, types []Type) *MemberCache {
	caches := make(map[Type]*lru.Cache[chain.Hash, []*registry.Masternode], len(types))
	for _, t := range types {
		c, err := lru.New[chain.Hash, []*registry.Masternode](membersCacheSize)
		if err != nil {
			continue
		}
		caches[t] = c
	}
	return &MemberCache{reg: reg, caches: caches}
}

// MembersFor returns the ordered member list of (params.Type, base). The
// result is byte-identical across nodes for one base-block hash and registry
// snapshot. Lists shorter than MinSize are returned unchanged; viability is
// the caller's call.
func (mc *MemberCache) MembersFor(params Params, base *chain.BlockIndex) []*registry.Masternode {
	cache := mc.caches[params.Type]
	if cache != nil {
		if cached, ok := cache.Get(base.Hash); ok {
			metrics.Inc("dkg_member_cache_total", map[string]string{"type": params.Name, "result": "hit"})
			return cached
		}
	}
	members := CalcMembers(params, base, mc.reg.MembersAt(base))
	if cache != nil {
		cache.Add(base.Hash, members)
	}
	metrics.Inc("dkg_member_cache_total", map[string]string{"type": params.Name, "result": "miss"})
	return members
}

// CalcMembers is the pure selection function: score every eligible
// masternode against the quorum modifier, order ascending, take Size.
func CalcMembers(params Params, base *chain.BlockIndex, all []*registry.Masternode) []*registry.Masternode {
	modifier := BuildModifier(params.Type, base.Hash)

	type scored struct {
		score chain.Hash
		mn    *registry.Masternode
	}
	scores := make([]scored, 0, len(all))
	for _, mn := range all {
		if mn.Banned {
			continue
		}
		scores = append(scores, scored{score: ScoreMember(mn.ConfirmedHashWithProTxHash, modifier), mn: mn})
	}
	sort.Slice(scores, func(i, j int) bool {
		if c := scores[i].score.Compare(scores[j].score); c != 0 {
			return c < 0
		}
		// Ties are vanishingly rare; order by proTxHash for determinism.
		return scores[i].mn.ProTxHash.Compare(scores[j].mn.ProTxHash) < 0
	})

	n := params.Size
	if len(scores) < n {
		n = len(scores)
	}
	out := make([]*registry.Masternode, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, scores[i].mn)
	}
	return out
}
