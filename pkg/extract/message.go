package extract

import (
	"encoding/json"
	"strings"
)

// Message kinds as reported in msgtype.
const (
	KindText       = "text"
	KindRichText   = "richText"
	KindPicture    = "picture"
	KindAudio      = "audio"
	KindVideo      = "video"
	KindFile       = "file"
	KindChatRecord = "chatRecord"
	KindLink       = "link"
)

// Message is the decoded, kind-specific view of an Event.
type Message interface {
	Kind() string
}

type TextMessage struct {
	Content string
}

// RichTextItem is one element of a rich text body: text or an inline picture.
type RichTextItem struct {
	Text         string
	DownloadCode string
}

func (i RichTextItem) IsPicture() bool { return i.DownloadCode != "" }

type RichTextMessage struct {
	// Items are the content.richText elements, in order.
	Items []RichTextItem
}

type PictureMessage struct {
	DownloadCode string
}

type AudioMessage struct {
	DownloadCode string
	Recognition  string
}

type VideoMessage struct {
	DownloadCode string
}

type FileMessage struct {
	DownloadCode string
	FileName     string
}

// ChatRecordEntry is one message of a forwarded bundle.
type ChatRecordEntry struct {
	SenderID      string
	SenderStaffID string
	SenderNick    string
	MsgType       string
	Content       string
	CreateAt      int64
}

type ChatRecordMessage struct {
	Entries []ChatRecordEntry
	// Err is set when the embedded record could not be parsed.
	Err error
}

type LinkMessage struct {
	Title string
	Text  string
	URL   string
}

// UnknownMessage carries the raw event for kinds this package does not model.
type UnknownMessage struct {
	Type string
	Raw  *Event
}

func (TextMessage) Kind() string       { return KindText }
func (RichTextMessage) Kind() string   { return KindRichText }
func (PictureMessage) Kind() string    { return KindPicture }
func (AudioMessage) Kind() string      { return KindAudio }
func (VideoMessage) Kind() string      { return KindVideo }
func (FileMessage) Kind() string       { return KindFile }
func (ChatRecordMessage) Kind() string { return KindChatRecord }
func (LinkMessage) Kind() string       { return KindLink }
func (m UnknownMessage) Kind() string  { return m.Type }

// Decode maps e onto its kind-specific variant.
func Decode(e *Event) Message {
	content := e.content()

	switch e.MsgType {
	case KindText:
		return TextMessage{Content: e.textContent()}
	case KindRichText:
		items, _ := content.items("richText")
		return RichTextMessage{Items: richTextItems(items)}
	case KindPicture:
		code := ""
		if e.Picture != nil {
			code = e.Picture.DownloadCode
		}
		if code == "" {
			code = firstNonEmpty(content.str("downloadCode"), content.str("pictureDownloadCode"))
		}
		return PictureMessage{DownloadCode: code}
	case KindAudio:
		return AudioMessage{
			DownloadCode: content.str("downloadCode"),
			Recognition:  strings.TrimSpace(content.str("recognition")),
		}
	case KindVideo:
		return VideoMessage{DownloadCode: content.str("downloadCode")}
	case KindFile:
		return FileMessage{DownloadCode: content.str("downloadCode"), FileName: content.str("fileName")}
	case KindChatRecord:
		entries, err := chatRecordEntries(content["chatRecord"])
		return ChatRecordMessage{Entries: entries, Err: err}
	case KindLink:
		return LinkMessage{
			Title: strings.TrimSpace(content.str("title")),
			Text:  strings.TrimSpace(content.str("text")),
			URL:   strings.TrimSpace(content.str("messageUrl")),
		}
	default:
		return UnknownMessage{Type: e.MsgType, Raw: e}
	}
}

// richTextItems accepts both {msgType:"text",content} and bare {text} text
// items. Any other item carrying a download code is a picture.
func richTextItems(items []fields) []RichTextItem {
	out := make([]RichTextItem, 0, len(items))
	for _, item := range items {
		msgType := item.str("msgType")
		code := firstNonEmpty(item.str("downloadCode"), item.str("pictureDownloadCode"))
		switch {
		case msgType == "text":
			if text := item.str("content"); text != "" {
				out = append(out, RichTextItem{Text: text})
			} else if text := item.str("text"); text != "" {
				out = append(out, RichTextItem{Text: text})
			}
		case code != "":
			out = append(out, RichTextItem{DownloadCode: code})
		case msgType == "":
			if text := firstNonEmpty(item.str("text"), item.str("content")); text != "" {
				out = append(out, RichTextItem{Text: text})
			}
		}
	}
	return out
}

func chatRecordEntries(raw json.RawMessage) ([]ChatRecordEntry, error) {
	if len(raw) == 0 {
		return nil, errMissingChatRecord
	}
	if s, ok := stringOf(raw); ok {
		raw = json.RawMessage(s)
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}

	entries := make([]ChatRecordEntry, 0, len(list))
	for _, item := range list {
		obj, ok := objectOf(item)
		if !ok {
			continue
		}
		entries = append(entries, ChatRecordEntry{
			SenderID:      obj.str("senderId"),
			SenderStaffID: obj.str("senderStaffId"),
			SenderNick:    obj.str("senderNick"),
			MsgType:       obj.str("msgType"),
			Content:       entryContent(obj["content"]),
			CreateAt:      obj.int64("createAt"),
		})
	}
	return entries, nil
}

// entryContent flattens a sub-message content that may be a string or an
// object exposing text/content.
func entryContent(raw json.RawMessage) string {
	if s, ok := stringOf(raw); ok {
		return s
	}
	if obj, ok := objectOf(raw); ok {
		return firstNonEmpty(obj.str("text"), obj.str("content"))
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
