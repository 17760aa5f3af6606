package chain

import (
    "encoding/binary"
    "testing"
)

func h(n uint64) Hash {
    var out Hash
    binary.BigEndian.PutUint64(out[:8], n)
    return out
}

func TestAncestorWalk(t *testing.T) {
    c := NewMemoryChain()
    for i := uint64(0); i <= 30; i++ {
        c.Extend(h(i))
    }
    tip := c.Tip()
    if tip.Height != 30 {
        t.Fatalf("want tip height 30, got %d", tip.Height)
    }
    a := tip.Ancestor(24)
    if a == nil || a.Height != 24 || a.Hash != h(24) {
        t.Fatalf("bad ancestor: %+v", a)
    }
    if tip.Ancestor(31) != nil {
        t.Fatalf("ancestor above tip must be nil")
    }
    if got := tip.Ancestor(30); got != tip {
        t.Fatalf("ancestor at own height must be the block itself")
    }
}

func TestReorgAndActiveChain(t *testing.T) {
    c := NewMemoryChain()
    for i := uint64(0); i <= 28; i++ {
        c.Extend(h(i))
    }
    oldBase := c.Tip().Ancestor(24)

    branch := []Hash{h(1024), h(1025), h(1026), h(1027), h(1028)}
    tip := c.Reorg(23, branch)
    if tip.Height != 28 {
        t.Fatalf("want post-reorg height 28, got %d", tip.Height)
    }
    if tip.Ancestor(24).Hash == oldBase.Hash {
        t.Fatalf("reorg kept the old base block")
    }
    if c.IsOnActiveChain(oldBase) {
        t.Fatalf("stale block still on active chain")
    }
    if !c.IsOnActiveChain(tip.Ancestor(23)) {
        t.Fatalf("fork point must stay active")
    }
    if c.Lookup(h(1026)) == nil {
        t.Fatalf("lookup misses branch block")
    }
}
