package gateway

import (
	"context"
	"log/slog"
	"strconv"

	"dingclaw/pkg/bus"
	providertypes "dingclaw/pkg/provider/types"
)

const eventBuffer = 64

// observeEvents logs bus lifecycle events until ctx ends or the bus closes.
func observeEvents(ctx context.Context, messageBus *bus.Bus, log *slog.Logger) {
	events, unsubscribe := messageBus.SubscribeEvents(ctx, eventBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"channel", event.Channel,
		"account_id", event.AccountID,
		"session_key", event.SessionKey,
		"message_id", event.MessageID,
	}
	for key, value := range event.Payload {
		attrs = append(attrs, key, value)
	}

	switch event.Type {
	case bus.EventProcessingFailed, bus.EventReplyFailed, bus.EventPromptFailed:
		log.Error("Bridge event", append(attrs, "error", event.Error)...)
	case bus.EventInboundReceived, bus.EventReplyDelivered, bus.EventPromptCompleted, bus.EventInboundDeflected:
		log.Info("Bridge event", attrs...)
	default:
		log.Debug("Bridge event", attrs...)
	}
}

// usagePayload flattens provider usage into event payload fields.
func usagePayload(result providertypes.PromptResult) map[string]string {
	payload := map[string]string{}
	if result.Metadata.Provider != "" {
		payload["provider"] = result.Metadata.Provider
	}
	if result.Metadata.Model != "" {
		payload["model"] = result.Metadata.Model
	}

	if usage := result.Metadata.Usage; usage != nil {
		payload["usage_input_tokens"] = strconv.FormatInt(usage.InputTokens, 10)
		payload["usage_output_tokens"] = strconv.FormatInt(usage.OutputTokens, 10)
		payload["usage_total_tokens"] = strconv.FormatInt(usage.TotalTokens, 10)
		payload["usage_reasoning_tokens"] = strconv.FormatInt(usage.ReasoningTokens, 10)
		payload["usage_cache_read_tokens"] = strconv.FormatInt(usage.CacheReadTokens, 10)
	}

	return payload
}
