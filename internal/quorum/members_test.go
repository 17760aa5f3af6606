package quorum

import (
    "crypto/sha256"
    "encoding/binary"
    "testing"

    "github.com/zmlAEQ/quorum-node/internal/chain"
    "github.com/zmlAEQ/quorum-node/internal/registry"
)

func mkMasternodes(n int) []*registry.Masternode {
    out := make([]*registry.Masternode, 0, n)
    for i := 0; i < n; i++ {
        var seed [8]byte
        binary.BigEndian.PutUint64(seed[:], uint64(i+1))
        pro := sha256.Sum256(append([]byte("protx"), seed[:]...))
        conf := sha256.Sum256(append([]byte("confirmed"), seed[:]...))
        mn := &registry.Masternode{}
        copy(mn.ProTxHash[:], pro[:])
        copy(mn.ConfirmedHashWithProTxHash[:], conf[:])
        out = append(out, mn)
    }
    return out
}

func mkBase(t *testing.T, height uint64) *chain.BlockIndex {
    t.Helper()
    c := chain.NewMemoryChain()
    var tip *chain.BlockIndex
    for i := uint64(0); i <= height; i++ {
        var h chain.Hash
        binary.BigEndian.PutUint64(h[:8], i)
        tip = c.Extend(h)
    }
    return tip
}

func TestCalcMembers_Deterministic(t *testing.T) {
    params, _ := GetParams(TypeTest)
    base := mkBase(t, 24)
    all := mkMasternodes(10)

    a := CalcMembers(params, base, all)
    b := CalcMembers(params, base, all)
    if len(a) != params.Size {
        t.Fatalf("want %d members, got %d", params.Size, len(a))
    }
    for i := range a {
        if a[i].ProTxHash != b[i].ProTxHash {
            t.Fatalf("selection not deterministic at %d", i)
        }
    }
}

func TestCalcMembers_BaseHashChangesSelection(t *testing.T) {
    params, _ := GetParams(TypeTest)
    all := mkMasternodes(30)
    a := CalcMembers(params, mkBase(t, 24), all)

    c := chain.NewMemoryChain()
    var tip *chain.BlockIndex
    for i := uint64(0); i <= 24; i++ {
        var h chain.Hash
        binary.BigEndian.PutUint64(h[:8], i+1000)
        tip = c.Extend(h)
    }
    b := CalcMembers(params, tip, all)

    same := true
    for i := range a {
        if a[i].ProTxHash != b[i].ProTxHash {
            same = false
            break
        }
    }
    if same {
        t.Fatalf("different base hashes selected identical members")
    }
}

func TestCalcMembers_ShortListPassthrough(t *testing.T) {
    params, _ := GetParams(TypeTest)
    base := mkBase(t, 24)
    got := CalcMembers(params, base, mkMasternodes(1))
    if len(got) != 1 {
        t.Fatalf("short list must pass through unchanged, got %d", len(got))
    }
}

func TestCalcMembers_BannedExcluded(t *testing.T) {
    params, _ := GetParams(TypeTest)
    base := mkBase(t, 24)
    all := mkMasternodes(3)
    all[1].Banned = true
    got := CalcMembers(params, base, all)
    if len(got) != 2 {
        t.Fatalf("want banned excluded, got %d members", len(got))
    }
    for _, mn := range got {
        if mn.ProTxHash == all[1].ProTxHash {
            t.Fatalf("banned masternode selected")
        }
    }
}

func TestMemberCache_Caches(t *testing.T) {
    params, _ := GetParams(TypeTest)
    base := mkBase(t, 24)
    reg := registry.NewMemoryRegistry(mkMasternodes(5))
    mc := NewMemberCache(reg, []Type{TypeTest})

    first := mc.MembersFor(params, base)
    // A registry change must not affect the cached instantiation.
    reg.SetList(mkMasternodes(2))
    second := mc.MembersFor(params, base)
    if len(first) != len(second) {
        t.Fatalf("cache miss on identical base block")
    }
    for i := range first {
        if first[i].ProTxHash != second[i].ProTxHash {
            t.Fatalf("cached list mutated")
        }
    }
}
