package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentcron/internal/task/engine"
	logx "agentcron/pkg/logx"
)

// Webhook posts each request as JSON. A 2xx response is success and its
// body becomes the outcome detail. A JSON body with a "reply" or "error"
// field is unwrapped.
type Webhook struct {
	url     string
	headers map[string]string
	http    *http.Client
	log     logx.Logger
}

func NewWebhook(cfg Config, log logx.Logger) (*Webhook, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, errors.New("agent.url is required for webhook driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		h[k] = v
	}
	return &Webhook{
		url:     u,
		headers: h,
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}, nil
}

type webhookReply struct {
	Reply string `json:"reply"`
	Error string `json:"error"`
}

func (w *Webhook) Execute(ctx context.Context, req engine.Request) engine.Outcome {
	body, err := json.Marshal(toWire(req))
	if err != nil {
		return engine.Failure("encode request: " + err.Error())
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return engine.Failure(err.Error())
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Agentcron-Fire-Id", req.FireID)
	for k, v := range w.headers {
		hreq.Header.Set(k, v)
	}

	resp, err := w.http.Do(hreq)
	if err != nil {
		return engine.Failure(err.Error())
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	detail := string(raw)
	var r webhookReply
	if json.Unmarshal(raw, &r) == nil {
		switch {
		case r.Error != "":
			detail = r.Error
		case r.Reply != "":
			detail = r.Reply
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.log.Debug("agent rejected request", logx.String("job", req.JobID), logx.Int("status", resp.StatusCode))
		return engine.Failure(clip(fmt.Sprintf("http %d: %s", resp.StatusCode, detail)))
	}
	if r.Error != "" {
		return engine.Failure(clip(r.Error))
	}
	return engine.Success(clip(detail))
}
