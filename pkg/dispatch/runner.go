package dispatch

import (
	"context"

	"github.com/turnpikelabs/turnpike/pkg/bus"
	"github.com/turnpikelabs/turnpike/pkg/stream"
)

// RunBus drains inbound envelopes and dispatches each as one turn,
// streaming output back on the bus for the originating channel to
// consume. It returns when the context is canceled. Turns are processed
// sequentially in delivery order.
func (d *Dispatcher) RunBus(ctx context.Context, b *bus.MessageBus) {
	for {
		env, ok := b.ConsumeInbound(ctx)
		if !ok {
			return
		}
		sink := stream.NewBusSink(b, env.Channel, env.Activity.ConversationID)
		d.HandleTurn(ctx, env.Activity, sink)
	}
}
