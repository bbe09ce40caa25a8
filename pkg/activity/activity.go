package activity

import "encoding/json"

// Type identifies the kind of inbound activity delivered by the host.
type Type string

const (
	TypeMessage            Type = "message"
	TypeInstallationUpdate Type = "installationUpdate"
	TypeNotification       Type = "notification"
)

// InstallAction is the sub-action of an installationUpdate activity.
type InstallAction string

const (
	InstallActionAdd    InstallAction = "add"
	InstallActionRemove InstallAction = "remove"
)

// NotificationType is a closed set; anything the wire carries outside of it
// collapses to NotificationUnknown at decode time.
type NotificationType string

const (
	NotificationEmail      NotificationType = "emailNotification"
	NotificationWpxComment NotificationType = "wpxComment"
	NotificationUnknown    NotificationType = "unknown"
)

// Activity is one inbound event. It is constructed by the hosting layer per
// request and is read-only to the dispatch pipeline.
type Activity struct {
	Type             Type          `json:"type"`
	Text             string        `json:"text,omitempty"`
	ChannelID        string        `json:"channel_id,omitempty"`
	ConversationID   string        `json:"conversation_id"`
	SenderID         string        `json:"sender_id,omitempty"`
	SenderName       string        `json:"sender_name,omitempty"`
	IsAgenticRequest bool          `json:"is_agentic_request,omitempty"`
	Action           InstallAction `json:"action,omitempty"`
	Notification     *Notification `json:"notification,omitempty"`
	Attachments      []Attachment  `json:"attachments,omitempty"`
	CorrelationID    string        `json:"correlation_id,omitempty"`
}

// Notification carries exactly one payload, matching Type. A missing payload
// is a "details missing" condition for the dispatcher, never a crash.
type Notification struct {
	Type       NotificationType   `json:"type"`
	Email      *EmailPayload      `json:"email,omitempty"`
	WpxComment *WpxCommentPayload `json:"wpx_comment,omitempty"`
}

type EmailPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	FromName       string `json:"from_name,omitempty"`
}

type WpxCommentPayload struct {
	DocumentID          string `json:"document_id"`
	InitiatingCommentID string `json:"initiating_comment_id,omitempty"`
	SubjectCommentID    string `json:"subject_comment_id,omitempty"`
}

// Attachment is opaque to the dispatcher; it is carried through untouched.
type Attachment struct {
	ContentType string          `json:"content_type,omitempty"`
	Name        string          `json:"name,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	type alias Notification
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Type {
	case NotificationEmail, NotificationWpxComment:
	default:
		a.Type = NotificationUnknown
	}
	*n = Notification(a)
	return nil
}
