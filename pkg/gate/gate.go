package gate

import (
	"strings"

	"github.com/turnpikelabs/turnpike/pkg/activity"
	"github.com/turnpikelabs/turnpike/pkg/logger"
	"github.com/turnpikelabs/turnpike/pkg/session"
)

// User-facing gating replies. All fixed strings; nothing here reaches a
// model.
const (
	ReplyWelcome       = "Hi! I'm connected and ready to help."
	ReplyTermsPrompt   = `Before we continue, please reply "I accept" to accept the terms and conditions.`
	ReplyTermsPending  = `Please reply "I accept" to accept the terms and conditions before we continue.`
	ReplyTermsAccepted = "Thanks! Terms accepted. What can I do for you?"
	ReplyNotInstalled  = "Please install the agent before sending messages."
	ReplyFarewell      = "The agent has been uninstalled. Goodbye!"
)

const termsAcceptPhrase = "i accept"

// Result is a defined control-flow outcome, never an error. A blocked turn
// carries the instructional reply to send.
type Result struct {
	Blocked bool
	Reason  string
	Reply   string
}

var pass = Result{}

// Tracker gates message and notification processing on install and terms
// state. It never returns errors; every path yields a Result.
type Tracker struct{}

func NewTracker() *Tracker {
	return &Tracker{}
}

// OnInstallationUpdate applies an install or uninstall to the session and
// returns the reply to send. Agentic channels are pre-trusted and skip the
// explicit terms acceptance; delegated channels must accept first.
func (t *Tracker) OnInstallationUpdate(st *session.State, act activity.Activity) string {
	switch act.Action {
	case activity.InstallActionRemove:
		st.Installed = false
		st.TermsAccepted = false
		logger.InfoCF("gate", "Agent uninstalled",
			map[string]any{"conversation_id": act.ConversationID})
		return ReplyFarewell
	default:
		st.Installed = true
		st.TermsAccepted = act.IsAgenticRequest
		logger.InfoCF("gate", "Agent installed",
			map[string]any{
				"conversation_id": act.ConversationID,
				"agentic":         act.IsAgenticRequest,
			})
		if st.TermsAccepted {
			return ReplyWelcome
		}
		return ReplyWelcome + "\n\n" + ReplyTermsPrompt
	}
}

// CheckInstall blocks any turn for a conversation that has not installed
// the agent. This check is unconditional; only the terms portion of
// gating is deployment policy.
func (t *Tracker) CheckInstall(st *session.State) Result {
	if !st.Installed {
		return Result{Blocked: true, Reason: "not installed", Reply: ReplyNotInstalled}
	}
	return pass
}

// Check decides whether the turn may proceed to content generation. It
// mutates st.TermsAccepted when the inbound text is the acceptance phrase;
// the acceptance turn itself is blocked so it produces only the
// acknowledgement.
func (t *Tracker) Check(st *session.State, act activity.Activity) Result {
	if res := t.CheckInstall(st); res.Blocked {
		return res
	}
	if st.TermsAccepted {
		return pass
	}
	if strings.EqualFold(strings.TrimSpace(act.Text), termsAcceptPhrase) {
		st.TermsAccepted = true
		logger.InfoCF("gate", "Terms accepted",
			map[string]any{"conversation_id": act.ConversationID})
		return Result{Blocked: true, Reason: "terms just accepted", Reply: ReplyTermsAccepted}
	}
	return Result{Blocked: true, Reason: "terms pending", Reply: ReplyTermsPending}
}
