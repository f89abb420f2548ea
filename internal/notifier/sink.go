package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	logx "agentcron/pkg/logx"
)

// NewSink returns the sink for cfg.Driver. An empty driver means "log".
func NewSink(cfg Config, log logx.Logger) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return LogSink{Log: log.With(logx.String("comp", "notifier.log"))}, nil
	case "webhook":
		return NewWebhookSink(cfg.URL, cfg.Headers)
	default:
		return nil, fmt.Errorf("unknown notifier driver: %s", cfg.Driver)
	}
}

// LogSink writes messages to the logger at info level.
type LogSink struct {
	Log logx.Logger
}

func (l LogSink) Send(_ context.Context, m Message) error {
	l.Log.Info("notification",
		logx.String("kind", string(m.Kind)),
		logx.String("channel", m.Channel),
		logx.String("to", m.To),
		logx.String("job", m.JobID),
		logx.String("text", m.Text),
	)
	return nil
}

// WebhookSink posts each message as JSON.
type WebhookSink struct {
	url     string
	headers map[string]string
	http    *http.Client
}

func NewWebhookSink(url string, headers map[string]string) (*WebhookSink, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("notifier.url is required for webhook driver")
	}
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	// Per-send deadlines come from the caller's context.
	return &WebhookSink{url: url, headers: h, http: &http.Client{}}, nil
}

func (w *WebhookSink) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: http %d", w.url, resp.StatusCode)
	}
	return nil
}
