// Package extract turns raw DingTalk robot callbacks into canonical text plus
// an optional attachment reference.
package extract

import (
	"encoding/json"
	"strings"
)

// Conversation types.
const (
	ConversationDirect = "1"
	ConversationGroup  = "2"
)

// Event is a robot message callback as delivered on the stream. Shapes that
// vary by msgtype (content, richText) are kept raw and decoded permissively.
type Event struct {
	ConversationID            string          `json:"conversationId"`
	ConversationType          string          `json:"conversationType"`
	ConversationTitle         string          `json:"conversationTitle,omitempty"`
	ChatbotCorpID             string          `json:"chatbotCorpId,omitempty"`
	ChatbotUserID             string          `json:"chatbotUserId,omitempty"`
	MsgID                     string          `json:"msgId"`
	MsgType                   string          `json:"msgtype"`
	SenderID                  string          `json:"senderId"`
	SenderStaffID             string          `json:"senderStaffId,omitempty"`
	SenderNick                string          `json:"senderNick,omitempty"`
	SenderCorpID              string          `json:"senderCorpId,omitempty"`
	IsAdmin                   bool            `json:"isAdmin,omitempty"`
	RobotCode                 string          `json:"robotCode,omitempty"`
	SessionWebhook            string          `json:"sessionWebhook,omitempty"`
	SessionWebhookExpiredTime int64           `json:"sessionWebhookExpiredTime,omitempty"`
	CreateAt                  int64           `json:"createAt,omitempty"`
	Text                      *Text           `json:"text,omitempty"`
	RichText                  json.RawMessage `json:"richText,omitempty"`
	Picture                   *Picture        `json:"picture,omitempty"`
	Content                   json.RawMessage `json:"content,omitempty"`
	AtUsers                   []AtUser        `json:"atUsers,omitempty"`
	IsInAtList                bool            `json:"isInAtList,omitempty"`
}

// Text is the text block; replies carry the quoted message inside it.
type Text struct {
	Content    string          `json:"content"`
	IsReplyMsg bool            `json:"isReplyMsg,omitempty"`
	RepliedMsg *RepliedMessage `json:"repliedMsg,omitempty"`
}

// RepliedMessage is the message a reply quotes.
type RepliedMessage struct {
	MsgType string          `json:"msgType,omitempty"`
	MsgID   string          `json:"msgId,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type Picture struct {
	DownloadCode string `json:"downloadCode"`
}

type AtUser struct {
	DingtalkID string `json:"dingtalkId"`
	StaffID    string `json:"staffId,omitempty"`
}

// ParseEvent decodes a callback payload.
func ParseEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Sender is the id used for access control and addressing.
func (e *Event) Sender() string {
	if e.SenderStaffID != "" {
		return e.SenderStaffID
	}
	return e.SenderID
}

func (e *Event) IsDirect() bool { return e.ConversationType == ConversationDirect }
func (e *Event) IsGroup() bool  { return e.ConversationType == ConversationGroup }

func (e *Event) textContent() string {
	if e.Text == nil {
		return ""
	}
	return strings.TrimSpace(e.Text.Content)
}

// fields is a JSON object decoded one key at a time, so a field of an
// unexpected type never spoils its siblings.
type fields map[string]json.RawMessage

func objectOf(raw json.RawMessage) (fields, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var obj fields
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

func stringOf(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (f fields) str(key string) string {
	s, _ := stringOf(f[key])
	return s
}

func (f fields) int64(key string) int64 {
	var n json.Number
	if err := json.Unmarshal(f[key], &n); err == nil {
		v, _ := n.Int64()
		return v
	}
	if s, ok := stringOf(f[key]); ok {
		var v int64
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	return 0
}

func (f fields) items(key string) ([]fields, bool) {
	raw, ok := f[key]
	if !ok {
		return nil, false
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	out := make([]fields, 0, len(list))
	for _, item := range list {
		if obj, ok := objectOf(item); ok {
			out = append(out, obj)
		}
	}
	return out, true
}

func (e *Event) content() fields {
	obj, _ := objectOf(e.Content)
	return obj
}
