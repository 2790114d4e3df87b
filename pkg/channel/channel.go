package channel

import (
	"context"
	"time"

	"dingclaw/pkg/bus"
)

// DeliverFunc sends one reply back to the conversation an envelope came from.
// Implementations never fail toward the caller; delivery problems are logged.
type DeliverFunc func(ctx context.Context, text string)

// Handler is the reply pipeline: it consumes one normalized envelope and
// answers through deliver.
type Handler func(ctx context.Context, env bus.Envelope, deliver DeliverFunc) error

// Adapter bridges one external transport (for example DingTalk stream mode) into the gateway.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}

// StatusUpdate is a partial update of externally observable channel state.
// Nil or zero fields leave the previous value untouched.
type StatusUpdate struct {
	Running        *bool
	LastStartAt    time.Time
	LastStopAt     time.Time
	LastInboundAt  time.Time
	LastOutboundAt time.Time
	LastError      string
}

// StatusFunc receives status updates from an adapter.
type StatusFunc func(StatusUpdate)

// Status is the merged view of all updates for one channel.
type Status struct {
	Running        bool      `json:"running"`
	LastStartAt    time.Time `json:"last_start_at,omitzero"`
	LastStopAt     time.Time `json:"last_stop_at,omitzero"`
	LastInboundAt  time.Time `json:"last_inbound_at,omitzero"`
	LastOutboundAt time.Time `json:"last_outbound_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}

// Apply merges update into s.
func (s Status) Apply(update StatusUpdate) Status {
	if update.Running != nil {
		s.Running = *update.Running
	}
	if !update.LastStartAt.IsZero() {
		s.LastStartAt = update.LastStartAt
	}
	if !update.LastStopAt.IsZero() {
		s.LastStopAt = update.LastStopAt
	}
	if !update.LastInboundAt.IsZero() {
		s.LastInboundAt = update.LastInboundAt
	}
	if !update.LastOutboundAt.IsZero() {
		s.LastOutboundAt = update.LastOutboundAt
	}
	if update.LastError != "" {
		s.LastError = update.LastError
	}
	return s
}

// StatusReporter is implemented by adapters that publish StatusUpdates.
type StatusReporter interface {
	SetStatusFunc(StatusFunc)
}
