package bus

import (
	"context"

	"github.com/turnpikelabs/turnpike/pkg/activity"
)

// InboundEnvelope pairs an activity with the channel it arrived through so
// replies can be routed back.
type InboundEnvelope struct {
	Channel  string            `json:"channel"`
	Activity activity.Activity `json:"activity"`
}

// OutboundMessage is one reply payload headed back to a channel.
type OutboundMessage struct {
	Channel          string `json:"channel"`
	ConversationID   string `json:"conversation_id"`
	Content          string `json:"content"`
	IsProgressUpdate bool   `json:"is_progress_update,omitempty"`
	StreamDone       bool   `json:"stream_done,omitempty"`
}

// MessageBus decouples channel adapters from the dispatcher runner. One
// consumer drains inbound; outbound fans out to per-channel subscribers.
type MessageBus struct {
	inbound  chan InboundEnvelope
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundEnvelope, 64),
		outbound: make(chan OutboundMessage, 256),
	}
}

func (b *MessageBus) PublishInbound(env InboundEnvelope) {
	b.inbound <- env
}

// ConsumeInbound blocks until an envelope arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEnvelope, bool) {
	select {
	case <-ctx.Done():
		return InboundEnvelope{}, false
	case env := <-b.inbound:
		return env, true
	}
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		// A stalled subscriber must not wedge the dispatch turn.
	}
}

func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}
