package bus

import "time"

// Chat types carried on an Envelope.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Envelope is a normalized inbound message handed to the reply pipeline.
type Envelope struct {
	Channel    string `json:"channel"`
	AccountID  string `json:"account_id"`
	MessageID  string `json:"message_id,omitempty"`
	SessionKey string `json:"session_key"`
	ChatType   string `json:"chat_type"`

	From              string `json:"from"`
	To                string `json:"to"`
	ConversationLabel string `json:"conversation_label,omitempty"`
	SenderID          string `json:"sender_id"`
	SenderName        string `json:"sender_name,omitempty"`
	Mentioned         *bool  `json:"mentioned,omitempty"`

	BodyText string `json:"body_text"`
	RawText  string `json:"raw_text"`

	MediaPath string `json:"media_path,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// IsGroup reports whether the envelope came from a group conversation.
func (e Envelope) IsGroup() bool {
	return e.ChatType == ChatGroup
}
