package notifier

import (
	"context"
	"time"

	"agentcron/internal/task/job"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Driver          string // webhook | log
	URL             string
	Headers         map[string]string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// MessageKind distinguishes job deliveries from operator alerts.
type MessageKind string

const (
	KindDelivery MessageKind = "delivery"
	KindAlert    MessageKind = "alert"
)

// Message is one outbound notification.
type Message struct {
	Kind    MessageKind `json:"kind"`
	Channel string      `json:"channel,omitempty"`
	To      string      `json:"to,omitempty"`
	Text    string      `json:"text"`

	FireID  string     `json:"fire_id,omitempty"`
	JobID   string     `json:"job_id,omitempty"`
	JobName string     `json:"job_name,omitempty"`
	Status  job.Status `json:"status,omitempty"`
	Detail  string     `json:"detail,omitempty"`
	At      time.Time  `json:"at"`
}

// Sink sends one message. Implementations must honor ctx.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At    time.Time
	Kind  MessageKind
	JobID string
	Text  string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind    MessageKind `json:"kind"`
	Channel string      `json:"channel,omitempty"`
	JobID   string      `json:"job_id,omitempty"`
	Key     string      `json:"key"`
	At      time.Time   `json:"at"`
	Error   string      `json:"error,omitempty"`
}
