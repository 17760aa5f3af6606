package registry

import (
    "testing"
    "time"
)

func TestMetaStore_LastOutbound(t *testing.T) {
    m := NewMetaStore()
    var h ProTxHash
    h[0] = 1
    if !m.LastOutboundSuccess(h).IsZero() {
        t.Fatalf("want zero time for unknown masternode")
    }
    now := time.Now()
    m.SetLastOutboundSuccess(h, now)
    if !m.LastOutboundSuccess(h).Equal(now) {
        t.Fatalf("stored time lost")
    }
}

func TestMemoryRegistry_SnapshotIsolated(t *testing.T) {
    mns := []*Masternode{{Address: "a"}, {Address: "b"}}
    r := NewMemoryRegistry(mns)
    got := r.MembersAt(nil)
    if len(got) != 2 {
        t.Fatalf("want 2 members, got %d", len(got))
    }
    // The returned slice is a copy; callers cannot reorder the registry.
    got[0], got[1] = got[1], got[0]
    again := r.MembersAt(nil)
    if again[0].Address != "a" {
        t.Fatalf("registry snapshot mutated by caller")
    }
}
