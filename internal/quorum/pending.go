package quorum

import (
	"sync"

	"github.com/zmlAEQ/quorum-node/internal/chain"
	"github.com/zmlAEQ/quorum-node/pkg/metrics"
)

// BinaryMessage is one queued (sender, payload) pair. Decoding is the
// consumer's concern; the buffer deals in opaque bytes and their digest.
type BinaryMessage struct {
	PeerID string
	Bytes  []byte
}

// PendingMessages is the bounded per-message-type ingress buffer between the
// network handlers (many producers) and the scheduler worker (one consumer).
// Per-peer admission caps bound adversarial memory; digest dedup bounds
// repeated work and survives Pop for the life of the buffer.
type PendingMessages struct {
	mu sync.Mutex

	msgType         string
	maxMessagesPerPeer int
	messages        []BinaryMessage
	messagesPerPeer map[string]int
	seenMessages    map[chain.Hash]struct{}
}

func NewPendingMessages(msgType string, maxMessagesPerPeer int) *PendingMessages {
	return &PendingMessages{
		msgType:         msgType,
		maxMessagesPerPeer: maxMessagesPerPeer,
		messagesPerPeer: make(map[string]int),
		seenMessages:    make(map[chain.Hash]struct{}),
	}
}

// Push admits one raw message. Over-quota and duplicate messages are
// silently dropped per the ingress failure taxonomy.
func (p *PendingMessages) Push(peerID string, raw []byte) {
	hash := HashBytes(raw)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.messagesPerPeer[peerID] >= p.maxMessagesPerPeer {
		metrics.Inc("dkg_pending_dropped_total", map[string]string{"type": p.msgType, "reason": "quota"})
		return
	}
	p.messagesPerPeer[peerID]++

	if _, seen := p.seenMessages[hash]; seen {
		metrics.Inc("dkg_pending_dropped_total", map[string]string{"type": p.msgType, "reason": "duplicate"})
		return
	}
	p.seenMessages[hash] = struct{}{}
	p.messages = append(p.messages, BinaryMessage{PeerID: peerID, Bytes: raw})
	metrics.SetGauge("dkg_pending_depth", map[string]string{"type": p.msgType}, float64(len(p.messages)))
}

// Pop removes up to maxCount messages in FIFO order. Per-peer counters are
// released; seen digests are not.
func (p *PendingMessages) Pop(maxCount int) []BinaryMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := maxCount
	if n > len(p.messages) {
		n = len(p.messages)
	}
	if n <= 0 {
		return nil
	}
	out := make([]BinaryMessage, n)
	copy(out, p.messages[:n])
	p.messages = append(p.messages[:0], p.messages[n:]...)
	for _, m := range out {
		if c := p.messagesPerPeer[m.PeerID]; c > 1 {
			p.messagesPerPeer[m.PeerID] = c - 1
		} else {
			delete(p.messagesPerPeer, m.PeerID)
		}
	}
	metrics.SetGauge("dkg_pending_depth", map[string]string{"type": p.msgType}, float64(len(p.messages)))
	return out
}

// HasSeen reports whether a digest was admitted since the last Clear.
func (p *PendingMessages) HasSeen(hash chain.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seenMessages[hash]
	return ok
}

// Len returns the queued message count.
func (p *PendingMessages) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

// Clear empties the queue, counters and seen set at a round boundary.
func (p *PendingMessages) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
	p.messagesPerPeer = make(map[string]int)
	p.seenMessages = make(map[chain.Hash]struct{})
	metrics.SetGauge("dkg_pending_depth", map[string]string{"type": p.msgType}, 0)
}
