//go:build p2p

package p2p

import (
	"context"
	"strings"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2phost "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/zmlAEQ/quorum-node/internal/chain"
	"github.com/zmlAEQ/quorum-node/internal/quorum"
	"github.com/zmlAEQ/quorum-node/pkg/logger"
	"github.com/zmlAEQ/quorum-node/pkg/metrics"
)

// Topic names for the four DKG message commands (stable identifiers).
const topicPrefix = "quorum/dkg/"

func topicFor(command string) string { return topicPrefix + command + "/v1" }

var commands = []string{
	quorum.CmdContribution,
	quorum.CmdComplaint,
	quorum.CmdJustification,
	quorum.CmdCommitment,
}

// BuildTransport constructs a libp2p+gossipsub transport when the 'p2p' tag
// is enabled.
func BuildTransport(cfg NetConfig) (Transport, error) {
	return &Libp2pTransport{cfg: cfg, book: newConnBook()}, nil
}

// Libp2pTransport implements Transport using libp2p + gossipsub. One topic
// per DKG command keeps a flood of one phase's traffic from starving the
// others at the transport level too.
type Libp2pTransport struct {
	cfg  NetConfig
	book *connBook

	host   p2phost.Host
	ps     *pubsub.PubSub
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	onQuorumMsg QuorumMsgHandler
}

func (t *Libp2pTransport) Start(ctx context.Context) error {
	if !t.cfg.Enable {
		return nil
	}
	opts := []libp2p.Option{}
	if len(t.cfg.Listen) > 0 {
		var addrs []ma.Multiaddr
		for _, s := range t.cfg.Listen {
			if strings.TrimSpace(s) == "" {
				continue
			}
			a, err := ma.NewMultiaddr(s)
			if err != nil {
				return err
			}
			addrs = append(addrs, a)
		}
		if len(addrs) > 0 {
			opts = append(opts, libp2p.ListenAddrs(addrs...))
		}
	}
	if t.cfg.NAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return err
	}
	t.host = h
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return err
	}
	t.ps = ps
	t.topics = make(map[string]*pubsub.Topic, len(commands))
	t.subs = make(map[string]*pubsub.Subscription, len(commands))
	for _, cmd := range commands {
		topic, err := ps.Join(topicFor(cmd))
		if err != nil {
			return err
		}
		sub, err := topic.Subscribe()
		if err != nil {
			return err
		}
		t.topics[cmd] = topic
		t.subs[cmd] = sub
	}

	// connect bootnodes (best effort)
	for _, b := range t.cfg.Bootnodes {
		if strings.TrimSpace(b) == "" {
			continue
		}
		_ = connectOnce(ctx, h, b)
	}

	// Log self peer id and listen addrs for operators to copy into bootnodes.
	for _, a := range h.Addrs() {
		logger.InfoJ("p2p_addr", map[string]any{"self_id": h.ID().String(), "addr": a.String()})
	}

	for _, cmd := range commands {
		go t.receiveLoop(ctx, cmd, t.subs[cmd])
	}
	logger.InfoJ("p2p_start", map[string]any{"result": "ok"})
	return nil
}

func (t *Libp2pTransport) Stop(_ context.Context) error {
	for _, sub := range t.subs {
		sub.Cancel()
	}
	for _, topic := range t.topics {
		_ = topic.Close()
	}
	if t.host != nil {
		return t.host.Close()
	}
	return nil
}

func (t *Libp2pTransport) receiveLoop(ctx context.Context, command string, sub *pubsub.Subscription) {
	topic := topicFor(command)
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue
		}
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": topic, "direction": "rx", "result": "ok"})
		if t.onQuorumMsg != nil {
			t.onQuorumMsg(msg.ReceivedFrom.String(), command, msg.Data)
		}
	}
}

// BroadcastQuorumMessage publishes the type-enveloped payload on the
// command's topic. The leading byte lets receivers route by quorum type
// without decoding.
func (t *Libp2pTransport) BroadcastQuorumMessage(qt quorum.Type, command string, payload []byte) error {
	topicName := topicFor(command)
	topic := t.topics[command]
	if topic == nil {
		return ErrNotStarted
	}
	data := append([]byte{byte(qt)}, payload...)
	if err := topic.Publish(context.Background(), data); err != nil {
		metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": topicName, "direction": "tx", "result": "error"})
		return err
	}
	metrics.Inc(MetricP2PMessagesTotal, map[string]string{"topic": topicName, "direction": "tx", "result": "ok"})
	metrics.AddGauge(MetricP2PBytesTotal, map[string]string{"topic": topicName, "direction": "tx"}, float64(len(data)))
	return nil
}

func (t *Libp2pTransport) OnQuorumMessage(fn QuorumMsgHandler) { t.onQuorumMsg = fn }

// The declarative connection sets are recorded in the connection book. They
// are not mapped onto libp2p peers: nothing is dialed or protected in the
// libp2p conn manager on their behalf.
func (t *Libp2pTransport) SetQuorumNodes(qt quorum.Type, baseHash chain.Hash, members map[chain.Hash]struct{}) {
	t.book.setNodes(qt, baseHash, members)
	metrics.SetGauge("dkg_declared_connections", map[string]string{"type": typeLabel(qt)}, float64(len(members)))
}

func (t *Libp2pTransport) SetRelayMembers(qt quorum.Type, baseHash chain.Hash, members map[chain.Hash]struct{}) {
	t.book.setRelays(qt, baseHash, members)
}

func (t *Libp2pTransport) AddProbes(members map[chain.Hash]struct{}) {
	t.book.addProbes(members)
}

func (t *Libp2pTransport) HasQuorumNodes(qt quorum.Type, baseHash chain.Hash) bool {
	return t.book.hasNodes(qt, baseHash)
}

func typeLabel(qt quorum.Type) string {
	if p, ok := quorum.GetParams(qt); ok {
		return p.Name
	}
	return "unknown"
}

func connectOnce(ctx context.Context, h p2phost.Host, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	pi, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *pi)
}
