package bus

import (
	"context"
)

type Kind string

const (
    // KindBlockTip is published by the chain notifier on every new tip.
    KindBlockTip Kind = "block_tip"
    // KindQuorumMsg is an inbound DKG protocol message delivered from the
    // network transport into the internal bus.
    KindQuorumMsg Kind = "quorum_msg"
)

type Event struct {
	Kind    Kind
	Height  uint64
	Body    any
	TraceID string
}

type Subscriber chan Event

type Bus struct {
	pub chan Event
}

func New(size int) *Bus {
	if size <= 0 { size = 128 }
	return &Bus{pub: make(chan Event, size)}
}

func (b *Bus) Publish(_ context.Context, ev Event) {
	select { case b.pub <- ev: default: /* drop on backpressure */ }
}

func (b *Bus) Subscribe() Subscriber { return b.pub }
