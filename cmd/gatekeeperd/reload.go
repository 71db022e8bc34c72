package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// policyWatcher reloads the rate policy when the config file changes. Only
// [engine.rate_limit] is hot; everything else needs a restart.
type policyWatcher struct {
	path    string
	engine  *gatekeeper.Engine
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	// reloaded is signalled after every attempt; tests wait on it.
	reloaded chan error
}

func newPolicyWatcher(path string, engine *gatekeeper.Engine, logger *slog.Logger) (*policyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and config management replace the file
	// by rename, which drops a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &policyWatcher{
		path:     filepath.Clean(path),
		engine:   engine,
		logger:   logger,
		watcher:  w,
		reloaded: make(chan error, 1),
	}, nil
}

// Run blocks until ctx ends.
func (p *policyWatcher) Run(ctx context.Context) {
	defer p.watcher.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			p.signal(p.reload())

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (p *policyWatcher) reload() error {
	policy, err := loadRatePolicy(p.path)
	if err != nil {
		p.logger.Error("rate policy reload failed", "path", p.path, "error", err)
		return err
	}
	if err := p.engine.UpdateRatePolicy(policy); err != nil {
		p.logger.Error("rate policy rejected", "path", p.path, "error", err)
		return err
	}
	p.logger.Info("rate policy reloaded", "path", p.path, "rules", len(policy.Rules))
	return nil
}

func (p *policyWatcher) signal(err error) {
	select {
	case p.reloaded <- err:
	default:
	}
}
