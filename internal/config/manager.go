package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "agentcron/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
)

// Change describes one committed reload.
//
// Deferred lists sections whose new values only take effect after a restart.
// New carries the running values for those fields, so New always describes
// what the process actually uses.
type Change struct {
	Old, New *Config
	Sections []string
	Fields   []logx.Field
	Deferred []string
}

// ConfigManager owns the committed config and turns file edits into Changes.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	fileHash uint64 // hash of the last accepted file content, before pinning

	reloadMu sync.Mutex

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan Change

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a hook that must accept a reloaded config before it
// is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(m.path, b)
}

// ParseBytes decodes config content; the format follows the extension of
// name (.json, .yaml/.yml, .toml). Unknown fields are rejected.
func ParseBytes(name string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(name, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Load parses the file and commits it as the running config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.fileHash = hashConfig(cfg)
	m.mu.Unlock()
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and, when it changed and passes validation,
// commits it. Storage and agent sections, and the notifier transport, keep
// their running values and are reported in Change.Deferred. The change is
// published when any live section changed.
//
// An unchanged file returns a zero Change.
func (m *ConfigManager) Reload(ctx context.Context) (Change, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return Change{}, err
	}
	h := hashConfig(cfg)

	m.mu.RLock()
	running, last := m.cfg, m.fileHash
	m.mu.RUnlock()
	if h != 0 && h == last {
		m.log.Debug("config unchanged; skipping", logx.String("path", m.path))
		return Change{}, nil
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return Change{}, fmt.Errorf("config rejected: %w", err)
		}
	}

	deferred := pinRestartSections(running, cfg)
	ch := newChange(running, cfg, deferred)

	m.mu.Lock()
	m.cfg = cfg
	m.fileHash = h
	m.mu.Unlock()

	if len(deferred) > 0 {
		m.log.Warn("config sections need a restart; keeping running values",
			logx.String("sections", strings.Join(deferred, ",")))
	}
	if len(ch.Sections) == 0 {
		m.log.Info("config reloaded (no live changes)")
		return ch, nil
	}
	m.publish(ch)
	return ch, nil
}

// pinRestartSections copies the running values of restart-only fields into
// next and returns the sections that were held back.
func pinRestartSections(running, next *Config) []string {
	if running == nil || next == nil {
		return nil
	}
	_, _, restart := SummarizeConfigChange(running, next)
	for _, sec := range restart {
		switch sec {
		case "storage":
			next.Storage = running.Storage
		case "agent":
			next.Agent = running.Agent
			next.Agent.Headers = maps.Clone(running.Agent.Headers)
		case "notifier":
			cur := DefaultNotifier()
			if running.Notifier != nil {
				cur = *running.Notifier
			}
			n := DefaultNotifier()
			if next.Notifier != nil {
				n = *next.Notifier
			}
			n.Driver, n.URL = cur.Driver, cur.URL
			n.Headers = maps.Clone(cur.Headers)
			n.Workers, n.QueueSize = cur.Workers, cur.QueueSize
			next.Notifier = &n
		}
	}
	return restart
}

func newChange(oldCfg, newCfg *Config, deferred []string) Change {
	sections, fields, _ := SummarizeConfigChange(oldCfg, newCfg)
	return Change{Old: oldCfg, New: newCfg, Sections: sections, Fields: fields, Deferred: deferred}
}

// merge folds next into an unconsumed prev so the subscriber sees one change
// from prev.Old to next.New.
func merge(prev, next Change) Change {
	deferred := slices.Concat(prev.Deferred, next.Deferred)
	slices.Sort(deferred)
	return newChange(prev.Old, next.New, slices.Compact(deferred))
}

// Subscribe returns a channel holding at most one pending Change. A slow
// subscriber sees consecutive reloads merged.
func (m *ConfigManager) Subscribe() <-chan Change {
	ch := make(chan Change, 1)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch <-chan Change) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = slices.Delete(m.subs, i, i+1)
			close(s)
			return
		}
	}
}

func (m *ConfigManager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		next := c
		select {
		case pending := <-ch:
			next = merge(pending, c)
			m.log.Debug("config change merged into pending", logx.String("sections", strings.Join(next.Sections, ",")))
		default:
		}
		// Only publish sends, under subsMu, so the slot is free.
		select {
		case ch <- next:
		default:
		}
	}
}

// Watch reloads on edits to the config file until ctx is done. A broken
// watcher is recreated with jittered exponential backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	bo := newBackoff(250*time.Millisecond, 5*time.Second)
	for {
		err := m.watchOnce(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (m *ConfigManager) watchOnce(ctx context.Context, bo *backoff) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors often replace the file by rename.
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	bo.reset()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
		} else {
			timer.Reset(reloadDebounce)
		}
		fire = timer.C
	}

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors closed")
			}
			switch {
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				schedule()
			case errors.Is(err, fsnotify.ErrClosed):
				return err
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		case <-fire:
			fire = nil
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			}
		}
	}
}

type backoff struct {
	base, limit, cur time.Duration
	rng              *rand.Rand
}

func newBackoff(base, limit time.Duration) *backoff {
	return &backoff{base: base, limit: limit, cur: base, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) reset() { b.cur = b.base }

// next returns the current delay plus up to 50% jitter and doubles the delay.
func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, b.limit)
	return wait
}
