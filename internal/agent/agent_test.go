package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"agentcron/internal/task/engine"
	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func request(msg string) engine.Request {
	p := job.AgentTurn(msg, true)
	p.Channel = "ops"
	return engine.Request{
		FireID:  "f-1",
		JobID:   "j-1",
		JobName: "digest",
		Payload: p,
		FiredAt: t0,
		Trigger: engine.TriggerSchedule,
	}
}

func TestOpen_Drivers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
		anyErr  bool
	}{
		{name: "default echo", cfg: Config{}},
		{name: "webhook", cfg: Config{Driver: "webhook", URL: "http://127.0.0.1:1/agent"}},
		{name: "webhook missing url", cfg: Config{Driver: "webhook"}, anyErr: true},
		{name: "command", cfg: Config{Driver: "command", Command: `agent --mode "daily digest"`}},
		{name: "command bad quoting", cfg: Config{Driver: "command", Command: `agent "unterminated`}, anyErr: true},
		{name: "unknown", cfg: Config{Driver: "grpc"}, wantErr: ErrUnknownDriver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ex, err := Open(tt.cfg, logx.Nop())
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, want %v", err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Fatalf("expected error")
				}
			default:
				if err != nil || ex == nil {
					t.Fatalf("open: %v", err)
				}
			}
		})
	}
}

func TestCommand_ArgvSplit(t *testing.T) {
	t.Parallel()
	c, err := NewCommand(Config{Command: `agent --mode "daily digest" 'x y'`}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"agent", "--mode", "daily digest", "x y"}
	if strings.Join(c.argv, "|") != strings.Join(want, "|") {
		t.Fatalf("argv=%q", c.argv)
	}
}

func TestWebhook_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus job.Status
		wantDetail string
	}{
		{name: "plain ok", status: 200, body: "done", wantStatus: job.StatusSuccess, wantDetail: "done"},
		{name: "json reply", status: 200, body: `{"reply":"sent 3 items"}`, wantStatus: job.StatusSuccess, wantDetail: "sent 3 items"},
		{name: "json error on 200", status: 200, body: `{"error":"quota"}`, wantStatus: job.StatusFailure, wantDetail: "quota"},
		{name: "server error", status: 503, body: "busy", wantStatus: job.StatusFailure, wantDetail: "http 503: busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got wireRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer k" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			wh, err := NewWebhook(Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer k"}, Timeout: 5 * time.Second}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			out := wh.Execute(context.Background(), request("hello"))
			if out.Status != tt.wantStatus || out.Detail != tt.wantDetail {
				t.Fatalf("outcome=%+v", out)
			}
			if got.Message != "hello" || got.JobID != "j-1" || got.Channel != "ops" || !got.Deliver || !got.FiredAt.Equal(t0) {
				t.Fatalf("request body=%+v", got)
			}
		})
	}
}

func TestWebhook_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	wh, err := NewWebhook(Config{URL: url, Timeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if out := wh.Execute(context.Background(), request("x")); out.Status != job.StatusFailure || out.Detail == "" {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestCommand_Execute(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	tests := []struct {
		name       string
		command    string
		timeout    time.Duration
		wantStatus job.Status
		wantDetail string
	}{
		{name: "stdin echoed", command: `sh -c 'cat; printf " $AGENTCRON_JOB_ID"'`, wantStatus: job.StatusSuccess, wantDetail: "ping j-1"},
		{name: "non-zero exit", command: `sh -c 'echo boom >&2; exit 3'`, wantStatus: job.StatusFailure, wantDetail: "exit status 3: boom"},
		{name: "timeout", command: `sh -c 'exec sleep 5'`, timeout: 50 * time.Millisecond, wantStatus: job.StatusFailure, wantDetail: "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewCommand(Config{Command: tt.command, Timeout: tt.timeout}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			out := c.Execute(context.Background(), request("ping"))
			if out.Status != tt.wantStatus || out.Detail != tt.wantDetail {
				t.Fatalf("outcome=%+v", out)
			}
		})
	}
}

func TestEcho_Execute(t *testing.T) {
	t.Parallel()
	out := NewEcho(logx.Nop()).Execute(context.Background(), request("  hi  "))
	if out.Status != job.StatusSuccess || out.Detail != "hi" {
		t.Fatalf("outcome=%+v", out)
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", maxDetail+10)
	if got := clip(long); len(got) != maxDetail+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("clip len=%d", len(got))
	}
}
