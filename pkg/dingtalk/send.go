package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Robot message keys accepted by the REST send endpoints.
const (
	MsgKeyText     = "sampleText"
	MsgKeyMarkdown = "sampleMarkdown"
	MsgKeyFile     = "sampleFile"
)

// WebhookMessage is the body accepted by a session webhook.
type WebhookMessage struct {
	MsgType  string            `json:"msgtype"`
	Text     *WebhookText      `json:"text,omitempty"`
	Markdown *WebhookMarkdown  `json:"markdown,omitempty"`
	At       map[string]string `json:"at,omitempty"`
}

type WebhookText struct {
	Content string `json:"content"`
}

type WebhookMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// TextMessage builds a plain text webhook message.
func TextMessage(content string) WebhookMessage {
	return WebhookMessage{MsgType: "text", Text: &WebhookText{Content: content}}
}

// MarkdownMessage builds a markdown webhook message.
func MarkdownMessage(title, text string) WebhookMessage {
	if title == "" {
		title = "Reply"
	}
	return WebhookMessage{MsgType: "markdown", Markdown: &WebhookMarkdown{Title: title, Text: text}}
}

// SendWebhook posts msg to a session webhook URL. A non-zero errcode in the
// response is returned as *APIError.
func (c *Client) SendWebhook(ctx context.Context, webhookURL string, msg WebhookMessage) error {
	return c.postJSON(ctx, webhookURL, nil, msg, nil)
}

// RobotMessage is a REST robot message: a msgKey and its msgParam object.
type RobotMessage struct {
	Key   string
	Param map[string]string
}

// RobotText builds a sampleText message.
func RobotText(content string) RobotMessage {
	return RobotMessage{Key: MsgKeyText, Param: map[string]string{"content": content}}
}

// RobotMarkdown builds a sampleMarkdown message.
func RobotMarkdown(title, text string) RobotMessage {
	if title == "" {
		title = "AI"
	}
	return RobotMessage{Key: MsgKeyMarkdown, Param: map[string]string{"title": title, "text": text}}
}

// RobotFile builds a sampleFile message referencing an uploaded media id.
func RobotFile(mediaID, fileName, fileType string) RobotMessage {
	return RobotMessage{Key: MsgKeyFile, Param: map[string]string{
		"mediaId":  mediaID,
		"fileName": fileName,
		"fileType": fileType,
	}}
}

// Recipient addresses a REST send: a single user for direct messages or an
// open conversation id for groups.
type Recipient struct {
	UserID         string
	ConversationID string
	Group          bool
}

type sendResponse struct {
	ProcessQueryKey string `json:"processQueryKey,omitempty"`
}

// SendRobotMessage delivers msg through the authenticated robot REST API and
// returns the provider's process query key.
func (c *Client) SendRobotMessage(ctx context.Context, creds Credentials, to Recipient, msg RobotMessage) (string, error) {
	param, err := encodeParam(msg.Param)
	if err != nil {
		return "", err
	}

	var (
		url  string
		body map[string]any
	)
	switch {
	case to.Group && strings.TrimSpace(to.ConversationID) != "":
		url = c.apiBase + "/v1.0/robot/groupMessages/send"
		body = map[string]any{
			"robotCode":          creds.robotCode(),
			"openConversationId": to.ConversationID,
			"msgKey":             msg.Key,
			"msgParam":           param,
		}
	case !to.Group && strings.TrimSpace(to.UserID) != "":
		url = c.apiBase + "/v1.0/robot/oToMessages/batchSend"
		body = map[string]any{
			"robotCode": creds.robotCode(),
			"userIds":   []string{to.UserID},
			"msgKey":    msg.Key,
			"msgParam":  param,
		}
	default:
		return "", ErrNoRecipient
	}

	var resp sendResponse
	if err := c.postAuthed(ctx, creds, url, body, &resp); err != nil {
		return "", err
	}
	c.log.Debug("Robot message sent", "msg_key", msg.Key, "group", to.Group, "query_key", resp.ProcessQueryKey)
	return resp.ProcessQueryKey, nil
}

// RecallResult lists the process query keys the provider withdrew and the
// ones it could not, with its reason for each.
type RecallResult struct {
	Recalled []string          `json:"successResult,omitempty"`
	Failed   map[string]string `json:"failedResult,omitempty"`
}

// Recall silently withdraws robot messages sent to the recipient, named by
// the process query keys SendRobotMessage returned.
func (c *Client) Recall(ctx context.Context, creds Credentials, from Recipient, keys []string) (RecallResult, error) {
	if len(keys) == 0 {
		return RecallResult{}, nil
	}

	var (
		url  string
		body map[string]any
	)
	switch {
	case from.Group && strings.TrimSpace(from.ConversationID) != "":
		url = c.apiBase + "/v1.0/robot/groupMessages/recall"
		body = map[string]any{
			"robotCode":          creds.robotCode(),
			"openConversationId": from.ConversationID,
			"processQueryKeys":   keys,
		}
	case !from.Group && strings.TrimSpace(from.UserID) != "":
		url = c.apiBase + "/v1.0/robot/otoMessages/batchRecall"
		body = map[string]any{
			"robotCode":        creds.robotCode(),
			"chatBotUserId":    from.UserID,
			"processQueryKeys": keys,
		}
	default:
		return RecallResult{}, ErrNoRecipient
	}

	var resp RecallResult
	if err := c.postAuthed(ctx, creds, url, body, &resp); err != nil {
		return RecallResult{}, err
	}
	c.log.Debug("Robot messages recalled", "group", from.Group, "recalled", len(resp.Recalled), "failed", len(resp.Failed))
	return resp, nil
}

// encodeParam renders msgParam, which the API expects as a JSON string.
func encodeParam(param map[string]string) (string, error) {
	data, err := json.Marshal(param)
	if err != nil {
		return "", fmt.Errorf("encode msgParam: %w", err)
	}
	return string(data), nil
}
