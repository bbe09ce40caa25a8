package activity

import "strings"

// Category is the dispatch route for a turn.
type Category int

const (
	CategoryMessage Category = iota
	CategoryInstall
	CategoryNotification
)

func (c Category) String() string {
	switch c {
	case CategoryInstall:
		return "install"
	case CategoryNotification:
		return "notification"
	default:
		return "message"
	}
}

// Auth handler names. Agentic requests arrive through the pre-authenticated
// agent-to-agent channel; everything else is human-delegated.
const (
	AuthHandlerAgentic   = "agentic"
	AuthHandlerDelegated = "me"
)

// Classification is the derived routing decision for one turn. AuthHandler
// is computed here and nowhere else; the tracing scope and the tool
// registration call for the turn must both use this value.
type Classification struct {
	Category    Category
	AuthHandler string
}

// Classify is a pure function of the activity, no I/O.
func Classify(a Activity) Classification {
	c := Classification{Category: CategoryMessage}
	switch a.Type {
	case TypeInstallationUpdate:
		c.Category = CategoryInstall
	case TypeNotification:
		c.Category = CategoryNotification
	}
	if a.IsAgenticRequest {
		c.AuthHandler = AuthHandlerAgentic
	} else {
		c.AuthHandler = AuthHandlerDelegated
	}
	return c
}

// Operation names the top-level trace scope for a turn.
func (c Classification) Operation() string {
	switch c.Category {
	case CategoryInstall:
		return "installation_update"
	case CategoryNotification:
		return "handle_notification"
	default:
		return "invoke_agent"
	}
}

// IsEmptyText reports whether the activity carries no usable message text.
func (a Activity) IsEmptyText() bool {
	return strings.TrimSpace(a.Text) == ""
}
