package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/turnpikelabs/turnpike/pkg/activity"
	"github.com/turnpikelabs/turnpike/pkg/bus"
	"github.com/turnpikelabs/turnpike/pkg/dispatch"
)

const consoleChannel = "console"

// runConsole feeds stdin lines through the same pipeline the server uses,
// delivering activities over the message bus and printing the outbound
// stream. The session installs pre-trusted, like any locally hosted
// channel.
func runConsole(ctx context.Context, dispatcher *dispatch.Dispatcher) error {
	rl, err := readline.New("> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	msgBus := bus.NewMessageBus()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go dispatcher.RunBus(ctx, msgBus)

	conversationID := "console-" + uuid.NewString()
	msgBus.PublishInbound(bus.InboundEnvelope{
		Channel: consoleChannel,
		Activity: activity.Activity{
			Type:             activity.TypeInstallationUpdate,
			Action:           activity.InstallActionAdd,
			ChannelID:        consoleChannel,
			ConversationID:   conversationID,
			IsAgenticRequest: true,
		},
	})
	if err := printTurn(ctx, msgBus); err != nil {
		return err
	}

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		msgBus.PublishInbound(bus.InboundEnvelope{
			Channel: consoleChannel,
			Activity: activity.Activity{
				Type:           activity.TypeMessage,
				Text:           line,
				ChannelID:      consoleChannel,
				ConversationID: conversationID,
				CorrelationID:  uuid.NewString(),
			},
		})
		if err := printTurn(ctx, msgBus); err != nil {
			return err
		}
	}
}

// printTurn renders one turn's outbound stream: progress updates dimmed,
// chunks inline, newline on stream end. The terminal message repeats the
// assembled text, so only the chunks are printed.
func printTurn(ctx context.Context, msgBus *bus.MessageBus) error {
	for {
		msg, ok := msgBus.ConsumeOutbound(ctx)
		if !ok {
			return ctx.Err()
		}
		switch {
		case msg.StreamDone:
			fmt.Println()
			return nil
		case msg.IsProgressUpdate:
			fmt.Printf("\033[90m[%s]\033[0m\n", msg.Content)
		default:
			fmt.Print(msg.Content)
		}
	}
}
