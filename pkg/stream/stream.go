// Package stream is the outgoing side of a turn: informative updates,
// incremental text chunks, and a single terminal flush.
package stream

import (
	"strings"
	"sync"

	"github.com/turnpikelabs/turnpike/pkg/bus"
	"github.com/turnpikelabs/turnpike/pkg/logger"
)

// Sink receives the response for one turn. QueueInformativeUpdate sends a
// transient progress note, QueueTextChunk appends response text, and
// EndStream closes the turn. EndStream is idempotent: the first call
// flushes, later calls are no-ops.
type Sink interface {
	QueueInformativeUpdate(text string)
	QueueTextChunk(text string)
	EndStream()
}

// BusSink publishes a turn's output on the message bus. Chunks are
// forwarded as they arrive; EndStream emits one final message carrying the
// assembled text with StreamDone set.
type BusSink struct {
	bus            *bus.MessageBus
	channel        string
	conversationID string

	mu    sync.Mutex
	parts []string
	ended bool
}

func NewBusSink(b *bus.MessageBus, channel, conversationID string) *BusSink {
	return &BusSink{bus: b, channel: channel, conversationID: conversationID}
}

func (s *BusSink) QueueInformativeUpdate(text string) {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}
	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel:          s.channel,
		ConversationID:   s.conversationID,
		Content:          text,
		IsProgressUpdate: true,
	})
}

func (s *BusSink) QueueTextChunk(text string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.parts = append(s.parts, text)
	s.mu.Unlock()

	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel:        s.channel,
		ConversationID: s.conversationID,
		Content:        text,
	})
}

func (s *BusSink) EndStream() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		logger.DebugCF("stream", "EndStream called twice",
			map[string]any{"conversation_id": s.conversationID})
		return
	}
	s.ended = true
	final := strings.Join(s.parts, "")
	s.mu.Unlock()

	s.bus.PublishOutbound(bus.OutboundMessage{
		Channel:        s.channel,
		ConversationID: s.conversationID,
		Content:        final,
		StreamDone:     true,
	})
}

// FinalText returns the assembled response so far.
func (s *BusSink) FinalText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.parts, "")
}

// CollectingSink buffers everything in memory. Used by tests and by the
// synchronous HTTP reply path.
type CollectingSink struct {
	mu       sync.Mutex
	Updates  []string
	Chunks   []string
	EndCount int
}

func (c *CollectingSink) QueueInformativeUpdate(text string) {
	c.mu.Lock()
	if c.EndCount == 0 {
		c.Updates = append(c.Updates, text)
	}
	c.mu.Unlock()
}

func (c *CollectingSink) QueueTextChunk(text string) {
	c.mu.Lock()
	if c.EndCount == 0 {
		c.Chunks = append(c.Chunks, text)
	}
	c.mu.Unlock()
}

func (c *CollectingSink) EndStream() {
	c.mu.Lock()
	c.EndCount++
	c.mu.Unlock()
}

func (c *CollectingSink) FinalText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.Chunks, "")
}

func (c *CollectingSink) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.EndCount > 0
}
