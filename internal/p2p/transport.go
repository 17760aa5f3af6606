package p2p

import (
	"context"
	"sync"

	"github.com/zmlAEQ/quorum-node/internal/chain"
	"github.com/zmlAEQ/quorum-node/internal/quorum"
)

// QuorumMsgHandler is invoked on each inbound DKG protocol message. raw
// carries the quorum-type envelope byte followed by the message payload.
type QuorumMsgHandler func(peerID string, command string, raw []byte)

// Transport is the minimal P2P abstraction used by the node. The concrete
// libp2p+gossipsub implementation lives behind the 'p2p' build tag; the
// Noop variant keeps single-process setups and tests network-free.
//
// The connection-set methods are declarative: the quorum core announces
// which members must be reachable and the transport is free to realize
// that however it wants.
type Transport interface {
	// Start brings up the network stack and subscriptions.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the network stack and subscriptions.
	Stop(ctx context.Context) error

	// BroadcastQuorumMessage publishes a DKG message to the command's topic.
	BroadcastQuorumMessage(t quorum.Type, command string, payload []byte) error
	// OnQuorumMessage registers the inbound DKG message handler.
	OnQuorumMessage(fn QuorumMsgHandler)

	// Declarative connection sets, keyed by (type, base block hash).
	SetQuorumNodes(t quorum.Type, baseHash chain.Hash, members map[chain.Hash]struct{})
	SetRelayMembers(t quorum.Type, baseHash chain.Hash, members map[chain.Hash]struct{})
	AddProbes(members map[chain.Hash]struct{})
	HasQuorumNodes(t quorum.Type, baseHash chain.Hash) bool
}

type connKey struct {
	t        quorum.Type
	baseHash chain.Hash
}

// connBook tracks the declared connection sets shared by both transports.
type connBook struct {
	mu      sync.Mutex
	nodes   map[connKey]map[chain.Hash]struct{}
	relays  map[connKey]map[chain.Hash]struct{}
	probes  map[chain.Hash]struct{}
}

func newConnBook() *connBook {
	return &connBook{
		nodes:  make(map[connKey]map[chain.Hash]struct{}),
		relays: make(map[connKey]map[chain.Hash]struct{}),
		probes: make(map[chain.Hash]struct{}),
	}
}

func (b *connBook) setNodes(t quorum.Type, baseHash chain.Hash, members map[chain.Hash]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[connKey{t, baseHash}] = members
}

func (b *connBook) setRelays(t quorum.Type, baseHash chain.Hash, members map[chain.Hash]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relays[connKey{t, baseHash}] = members
}

func (b *connBook) addProbes(members map[chain.Hash]struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h := range members {
		b.probes[h] = struct{}{}
	}
}

func (b *connBook) hasNodes(t quorum.Type, baseHash chain.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.nodes[connKey{t, baseHash}]
	return ok
}

// NoopTransport is the stub used when P2P is disabled. It records declared
// connection sets and drops broadcasts.
type NoopTransport struct {
	book *connBook

	mu sync.Mutex
	on QuorumMsgHandler
}

func NewNoopTransport() *NoopTransport { return &NoopTransport{book: newConnBook()} }

func (n *NoopTransport) Start(_ context.Context) error { return nil }
func (n *NoopTransport) Stop(_ context.Context) error  { return nil }

func (n *NoopTransport) BroadcastQuorumMessage(_ quorum.Type, _ string, _ []byte) error { return nil }

func (n *NoopTransport) OnQuorumMessage(fn QuorumMsgHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.on = fn
}

// Inject delivers a message as if it arrived from the network. Test hook.
func (n *NoopTransport) Inject(peerID, command string, raw []byte) {
	n.mu.Lock()
	fn := n.on
	n.mu.Unlock()
	if fn != nil {
		fn(peerID, command, raw)
	}
}

func (n *NoopTransport) SetQuorumNodes(t quorum.Type, baseHash chain.Hash, members map[chain.Hash]struct{}) {
	n.book.setNodes(t, baseHash, members)
}

func (n *NoopTransport) SetRelayMembers(t quorum.Type, baseHash chain.Hash, members map[chain.Hash]struct{}) {
	n.book.setRelays(t, baseHash, members)
}

func (n *NoopTransport) AddProbes(members map[chain.Hash]struct{}) { n.book.addProbes(members) }

func (n *NoopTransport) HasQuorumNodes(t quorum.Type, baseHash chain.Hash) bool {
	return n.book.hasNodes(t, baseHash)
}
