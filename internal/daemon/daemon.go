// Package daemon runs the background refresh loop that keeps the
// contact cache fresh: a single instance system-wide, enforced through
// a locked liveness marker, with a timer that is re-armed only after
// each refresh completes so refreshes never overlap.
package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tgra59/apple-mcp-enhanced/internal/cache"
	"github.com/tgra59/apple-mcp-enhanced/internal/config"
	"github.com/tgra59/apple-mcp-enhanced/internal/extract"
)

// State is the daemon lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// PIDFileName is the liveness marker file under the data dir.
const PIDFileName = "daemon.pid"

// Daemon owns the persisted snapshot: it is the only writer. Everyone
// else re-reads the files the daemon replaces atomically.
type Daemon struct {
	bridge  extract.Bridge
	store   *cache.Store
	pidFile *PIDFile
	log     *zap.Logger

	mu      sync.Mutex
	state   State
	cfg     *config.Config
	nextRun time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(b extract.Bridge, store *cache.Store, pidPath string, log *zap.Logger) *Daemon {
	if log == nil {
		log = zap.NewNop()
	}
	return &Daemon{
		bridge:  b,
		store:   store,
		pidFile: NewPIDFile(pidPath),
		log:     log,
		state:   StateStopped,
		stopCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.log.Info("daemon state", zap.String("state", string(s)))
}

// NextRun returns the estimated time of the next scheduled refresh.
func (d *Daemon) NextRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextRun
}

// Stop requests shutdown. The pending timer is cancelled but an
// in-flight refresh runs to completion; Run returns once it has.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Run executes the full daemon lifecycle in the calling goroutine:
// acquire the liveness marker, load configuration (writing defaults on
// first run), perform one synchronous refresh when the snapshot is
// stale, then tick at the configured interval until stopped. A failed
// refresh is logged and the next tick is still honored.
func (d *Daemon) Run(ctx context.Context) error {
	d.setState(StateStarting)
	if err := d.pidFile.Acquire(); err != nil {
		d.setState(StateStopped)
		return err
	}
	defer func() {
		if err := d.pidFile.Release(); err != nil {
			d.log.Warn("failed to remove liveness marker", zap.Error(err))
		}
		d.setState(StateStopped)
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load daemon config: %w", err)
	}
	if err := cfg.Save(); err != nil {
		// First run writes the defaults so `config get` has a file to
		// show; not fatal if the config dir is read-only.
		d.log.Warn("failed to persist config", zap.Error(err))
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()

	snap, err := d.store.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if cfg.Enabled && snap.IsStale(cfg.Interval()) {
		d.log.Info("snapshot stale, refreshing before entering run loop",
			zap.Duration("age", snap.Age()))
		if _, err := d.newPipeline(cfg).Refresh(ctx); err != nil {
			d.log.Error("initial refresh failed", zap.Error(err))
		}
	}

	d.setState(StateRunning)
	return d.runLoop(ctx)
}

func (d *Daemon) runLoop(ctx context.Context) error {
	cfg := d.currentConfig()
	timer := time.NewTimer(cfg.Interval())
	defer timer.Stop()
	d.setNextRun(time.Now().Add(cfg.Interval()))

	watcher := d.watchConfig()
	if watcher != nil {
		defer watcher.Close()
	}
	var configEvents chan fsnotify.Event
	if watcher != nil {
		configEvents = relevantEvents(watcher, d.log)
	}

	for {
		select {
		case <-ctx.Done():
			d.setState(StateStopping)
			return ctx.Err()

		case <-d.stopCh:
			d.setState(StateStopping)
			return nil

		case <-timer.C:
			cfg = d.currentConfig()
			if cfg.Enabled {
				if _, err := d.newPipeline(cfg).Refresh(ctx); err != nil {
					d.log.Error("scheduled refresh failed", zap.Error(err))
				}
			}
			// Re-armed only after the refresh completes, so refreshes
			// never overlap.
			timer.Reset(cfg.Interval())
			d.setNextRun(time.Now().Add(cfg.Interval()))

		case _, ok := <-configEvents:
			if !ok {
				configEvents = nil
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				d.log.Warn("config reload failed", zap.Error(err))
				continue
			}
			old := d.currentConfig()
			d.mu.Lock()
			d.cfg = newCfg
			d.mu.Unlock()
			if newCfg.Interval() != old.Interval() || newCfg.Enabled != old.Enabled {
				// Interval changes take effect now, not at the next
				// natural tick.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(newCfg.Interval())
				d.setNextRun(time.Now().Add(newCfg.Interval()))
				d.log.Info("config changed, timer re-armed",
					zap.Duration("interval", newCfg.Interval()),
					zap.Bool("enabled", newCfg.Enabled))
			}
		}
	}
}

func (d *Daemon) newPipeline(cfg *config.Config) *extract.Pipeline {
	return extract.New(d.bridge, d.store, d.log, extract.Options{
		BatchSize: cfg.ProbeBatchSize,
		Pause:     cfg.ProbePause(),
	})
}

func (d *Daemon) currentConfig() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg == nil {
		return config.Default()
	}
	return d.cfg
}

func (d *Daemon) setNextRun(t time.Time) {
	d.mu.Lock()
	d.nextRun = t
	d.mu.Unlock()
}

// watchConfig watches the config directory; editors replace files by
// rename, so watching the directory instead of the file survives that.
func (d *Daemon) watchConfig() *fsnotify.Watcher {
	dir, err := config.GetConfigDir()
	if err != nil {
		d.log.Warn("config watch disabled", zap.Error(err))
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.log.Warn("config watch disabled", zap.Error(err))
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		d.log.Warn("config watch disabled", zap.Error(err))
		_ = watcher.Close()
		return nil
	}
	return watcher
}

// relevantEvents filters watcher output down to writes of config.yaml.
func relevantEvents(watcher *fsnotify.Watcher, log *zap.Logger) chan fsnotify.Event {
	out := make(chan fsnotify.Event, 1)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !configFileEvent(ev) {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return out
}

func configFileEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return filepath.Base(ev.Name) == "config.yaml"
}
