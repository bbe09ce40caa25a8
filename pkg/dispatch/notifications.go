package dispatch

import (
	"context"
	"fmt"

	"github.com/turnpikelabs/turnpike/pkg/activity"
	"github.com/turnpikelabs/turnpike/pkg/logger"
	"github.com/turnpikelabs/turnpike/pkg/session"
	"github.com/turnpikelabs/turnpike/pkg/stream"
	"github.com/turnpikelabs/turnpike/pkg/thread"
	"github.com/turnpikelabs/turnpike/pkg/trace"
)

const (
	ReplyEmailPayloadMissing = "I could not find the email notification details."
	ReplyWpxPayloadMissing   = "I could not find the mention notification details."
	ReplyUnsupportedKind     = "This notification type is not supported yet."
	ReplyEmailFailure        = "Unable to process your email at this time."
	ReplyWpxFailure          = "Unable to process the document comment at this time."
)

// handleNotification routes by notification kind. Payload validation
// happens before any model call; each terminal branch queues exactly one
// reply.
func (d *Dispatcher) handleNotification(ctx context.Context, handle *session.Handle, act activity.Activity, cls activity.Classification, sink stream.Sink, scope *trace.Scope) {
	n := act.Notification
	kind := activity.NotificationUnknown
	if n != nil {
		kind = n.Type
	}
	scope.RecordInput(string(kind))

	switch kind {
	case activity.NotificationEmail:
		if n.Email == nil || n.Email.ID == "" {
			sink.QueueTextChunk(ReplyEmailPayloadMissing)
			scope.RecordOutput(ReplyEmailPayloadMissing)
			return
		}
		retrieve := fmt.Sprintf(
			"Retrieve the email with message id %q in conversation %q and return its full content, including sender and subject.",
			n.Email.ID, n.Email.ConversationID)
		respond := "You have received the following email. Please follow any instructions in it.\n\n%s"
		d.runTwoHop(ctx, handle, act, cls, sink, scope, retrieve, respond, ReplyEmailFailure)

	case activity.NotificationWpxComment:
		if n.WpxComment == nil || n.WpxComment.DocumentID == "" {
			sink.QueueTextChunk(ReplyWpxPayloadMissing)
			scope.RecordOutput(ReplyWpxPayloadMissing)
			return
		}
		retrieve := fmt.Sprintf(
			"Retrieve the comment thread for document %q, comment %q, and return the comment text you were mentioned in.",
			n.WpxComment.DocumentID, n.WpxComment.InitiatingCommentID)
		respond := "You have been mentioned in the following document comment. Please draft a helpful reply to it.\n\n%s"
		d.runTwoHop(ctx, handle, act, cls, sink, scope, retrieve, respond, ReplyWpxFailure)

	default:
		sink.QueueTextChunk(ReplyUnsupportedKind)
		scope.RecordOutput(ReplyUnsupportedKind)
	}
}

// runTwoHop performs the sequential retrieve-then-respond chain. Hop one
// runs without a sink so its output stays internal; hop two embeds that
// output as quoted content and streams to the user. Hop two always waits
// for hop one, and the retrieved text enters the prompt as data.
func (d *Dispatcher) runTwoHop(ctx context.Context, handle *session.Handle, act activity.Activity, cls activity.Classification, sink stream.Sink, scope *trace.Scope, retrievePrompt, respondFormat, failureReply string) {
	sink.QueueInformativeUpdate(ReplyWorking)

	registry := d.discoverTools(ctx, cls.AuthHandler, act, handle)

	st := handle.State()
	threadID := st.ThreadID
	minted := false
	if threadID == "" {
		threadID = thread.NewThreadID()
		minted = true
	}

	retrieved, err := d.responder.Generate(ctx, Ask{
		ThreadID:       threadID,
		ConversationID: act.ConversationID,
		Operation:      cls.Operation(),
		Prompt:         retrievePrompt,
		Registry:       registry,
	})
	if err != nil {
		d.failNotification(act, sink, scope, failureReply, err)
		return
	}

	text, err := d.responder.Generate(ctx, Ask{
		ThreadID:       threadID,
		ConversationID: act.ConversationID,
		Operation:      cls.Operation(),
		Prompt:         fmt.Sprintf(respondFormat, retrieved),
		Registry:       registry,
		Sink:           sink,
	})
	if err != nil {
		d.failNotification(act, sink, scope, failureReply, err)
		return
	}

	if minted {
		st.ThreadID = threadID
		d.saveSession(handle)
	}

	if text == "" {
		text = ReplyNoResponse
		sink.QueueTextChunk(text)
	}
	scope.RecordOutput(text)
}

func (d *Dispatcher) failNotification(act activity.Activity, sink stream.Sink, scope *trace.Scope, reply string, err error) {
	scope.RecordError(err)
	logger.ErrorCF("dispatch", "Notification turn failed",
		map[string]any{"conversation_id": act.ConversationID, "error": err.Error()})
	sink.QueueTextChunk(reply)
}
