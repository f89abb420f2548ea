package app

import (
	"context"
	"errors"
	"fmt"

	"agentcron/internal/agent"
	"agentcron/internal/config"
	"agentcron/internal/eventbus"
	"agentcron/internal/notifier"
	"agentcron/internal/storage"
	"agentcron/internal/task/engine"
	logx "agentcron/pkg/logx"
)

// openEngine opens the configured store and agent and returns an
// engine over them. The caller starts the engine and owns the store.
func openEngine(ctx context.Context, cfg *config.Config, log logx.Logger, bus eventbus.Bus, d engine.Deliverer) (*engine.Service, storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	ac, err := mapAgentConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	exec, err := agent.Open(ac, log.With(logx.String("comp", "agent")))
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	var opts []engine.Option
	if d != nil {
		opts = append(opts, engine.WithDeliverer(d))
	}
	return engine.New(ecfg, exec, store, log.With(logx.String("comp", "engine")), bus, opts...), store, nil
}

// Offline is the job engine without the tick loop. CLI commands use it to
// inspect and edit the store while the daemon is not running; a running
// daemon would overwrite their changes on its next save.
type Offline struct {
	Engine *engine.Service

	store storage.Store
	notif *notifier.Service
}

// OpenOffline loads the config at cfgPath and opens its store. Deliveries
// from manual runs go through the configured notifier.
func OpenOffline(ctx context.Context, cfgPath string, log logx.Logger) (*Offline, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif, err := notifier.New(ncfg, nil, log.With(logx.String("comp", "notifier")), nil)
	if err != nil {
		return nil, err
	}

	eng, store, err := openEngine(ctx, cfg, log, nil, notifyDeliverer{n: notif})
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	notif.Start(ctx)
	return &Offline{Engine: eng, store: store, notif: notif}, nil
}

// Close waits for manual runs, drains pending notifications and saves the
// store.
func (o *Offline) Close(ctx context.Context) error {
	engErr := o.Engine.Stop(ctx)
	o.notif.Stop(ctx)
	return errors.Join(engErr, o.store.Close())
}
