package quorum

import (
    "fmt"
    "sync"
    "testing"
)

func TestPending_QuotaPerPeer(t *testing.T) {
    pm := NewPendingMessages(CmdContribution, 5)
    for i := 0; i < 6; i++ {
        pm.Push("X", []byte(fmt.Sprintf("msg-%d", i)))
    }
    if got := pm.Len(); got != 5 {
        t.Fatalf("want 5 admitted, got %d", got)
    }
    // Another peer is unaffected by X's quota.
    pm.Push("Y", []byte("other"))
    if got := pm.Len(); got != 6 {
        t.Fatalf("want 6 after second peer, got %d", got)
    }
}

func TestPending_DuplicateSuppression(t *testing.T) {
    pm := NewPendingMessages(CmdContribution, 5)
    raw := []byte("same-bytes")
    pm.Push("X", raw)
    pm.Push("X", raw)
    if got := pm.Len(); got != 1 {
        t.Fatalf("want 1 entry, got %d", got)
    }
    if !pm.HasSeen(HashBytes(raw)) {
        t.Fatalf("want HasSeen true after push")
    }
    // Dedup survives Pop for the life of the buffer.
    if got := len(pm.Pop(10)); got != 1 {
        t.Fatalf("want 1 popped, got %d", got)
    }
    pm.Push("Y", raw)
    if got := pm.Len(); got != 0 {
        t.Fatalf("duplicate re-admitted after pop")
    }
    if !pm.HasSeen(HashBytes(raw)) {
        t.Fatalf("want HasSeen true after pop")
    }
}

func TestPending_FIFOAndCounterRelease(t *testing.T) {
    pm := NewPendingMessages(CmdComplaint, 2)
    pm.Push("X", []byte("a"))
    pm.Push("X", []byte("b"))
    // Quota reached; c is dropped.
    pm.Push("X", []byte("c"))

    got := pm.Pop(1)
    if len(got) != 1 || string(got[0].Bytes) != "a" {
        t.Fatalf("want FIFO head 'a', got %v", got)
    }
    // Pop released one slot; fresh content is admitted again.
    pm.Push("X", []byte("d"))
    rest := pm.Pop(10)
    if len(rest) != 2 || string(rest[0].Bytes) != "b" || string(rest[1].Bytes) != "d" {
        t.Fatalf("want [b d], got %v", rest)
    }
}

func TestPending_Clear(t *testing.T) {
    pm := NewPendingMessages(CmdJustification, 2)
    raw := []byte("payload")
    pm.Push("X", raw)
    pm.Clear()
    if pm.Len() != 0 {
        t.Fatalf("want empty after clear")
    }
    if pm.HasSeen(HashBytes(raw)) {
        t.Fatalf("seen set must reset on clear")
    }
    pm.Push("X", raw)
    if pm.Len() != 1 {
        t.Fatalf("want re-admission after clear")
    }
}

func TestPending_ConcurrentPushers(t *testing.T) {
    pm := NewPendingMessages(CmdCommitment, 100)
    var wg sync.WaitGroup
    for p := 0; p < 8; p++ {
        wg.Add(1)
        go func(p int) {
            defer wg.Done()
            for i := 0; i < 50; i++ {
                pm.Push(fmt.Sprintf("peer-%d", p), []byte(fmt.Sprintf("%d-%d", p, i)))
            }
        }(p)
    }
    wg.Wait()
    if got := pm.Len(); got != 400 {
        t.Fatalf("want 400 distinct messages, got %d", got)
    }
}
