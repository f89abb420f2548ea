package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentcron/internal/task/engine"
	"agentcron/internal/task/job"
	"agentcron/internal/task/schedule"
	logx "agentcron/pkg/logx"
)

const testConfig = `{
  "logging": {"level": "error", "console": false, "file": {"enabled": false, "path": ""}, "alert": {"enabled": false}},
  "scheduler": {"enabled": true, "tick_interval": "20ms"},
  "engine": {"workers": 2},
  "storage": {"driver": "file", "path": "STORE"},
  "agent": {"driver": "echo"},
  "notifier": {"enabled": false}
}`

func writeConfig(t *testing.T) (cfgPath, storePath string) {
	t.Helper()
	dir := t.TempDir()
	storePath = filepath.Join(dir, "jobs.json")
	cfgPath = filepath.Join(dir, "agentcron.json")
	body := strings.Replace(testConfig, "STORE", filepath.ToSlash(storePath), 1)
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return cfgPath, storePath
}

func dueOneShot(id string, now time.Time) job.Job {
	j := job.New(id, "reminder")
	j.Schedule = schedule.At(now.Add(-time.Second))
	j.Payload = job.AgentTurn("stand up", false)
	j.CreatedAt = now.Add(-2 * time.Second)
	return j
}

func TestApp_FiresDueJobAndPersists(t *testing.T) {
	t.Parallel()

	cfgPath, storePath := writeConfig(t)
	ctx := context.Background()

	a, err := NewApp(ctx, cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Engine().AddJob(ctx, dueOneShot("j1", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		j, ok := a.Engine().Job("j1")
		if ok && j.State.RunCount == 1 {
			if j.State.LastStatus != job.StatusSuccess {
				t.Fatalf("status=%s err=%s", j.State.LastStatus, j.State.LastError)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never fired: %+v", j)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor err: %v", err)
	}

	b, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"runCount": 1`) {
		t.Fatalf("store not persisted:\n%s", b)
	}
}

func TestOffline_EditAndRun(t *testing.T) {
	t.Parallel()

	cfgPath, _ := writeConfig(t)
	ctx := context.Background()

	off, err := OpenOffline(ctx, cfgPath, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	j := job.New("j2", "digest")
	j.Payload = job.AgentTurn("summarize inbox", false)
	if _, err := off.Engine.AddJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := off.Engine.EnableJob(ctx, "j2", false); err != nil {
		t.Fatal(err)
	}
	if _, err := off.Engine.RunNow(ctx, "j2", false); err != engine.ErrJobDisabled {
		t.Fatalf("err=%v, want ErrJobDisabled", err)
	}
	out, err := off.Engine.RunNow(ctx, "j2", true)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != job.StatusSuccess || !strings.Contains(out.Detail, "summarize inbox") {
		t.Fatalf("outcome=%+v", out)
	}
	if err := off.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// Reopen: the edit and the run survived.
	off, err = OpenOffline(ctx, cfgPath, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer off.Close(ctx)
	got, ok := off.Engine.Job("j2")
	if !ok || got.Enabled || got.State.RunCount != 1 {
		t.Fatalf("job=%+v ok=%v", got, ok)
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agentcron.json")
	if err := os.WriteFile(path, []byte(`{"storage": {"driver": "etcd"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(context.Background(), path); err == nil {
		t.Fatalf("expected error")
	}
}
