package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"trading-autopilot/internal/banking"
	"trading-autopilot/internal/logging"
)

// BankingListener receives a validated banking section after each change.
type BankingListener func(banking.Config)

// BankingSnapshot is the last applied banking section.
type BankingSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Config   banking.Config
}

// Watcher re-reads the banking section of the config file when it changes
// on disk. Invalid edits are logged and ignored; the previous section stays
// in force.
type Watcher struct {
	path   string
	logger *logging.Logger

	mu        sync.RWMutex
	snapshot  BankingSnapshot
	listeners []BankingListener
	closed    bool
}

// NewWatcher reads path and starts watching it. base supplies values for
// keys the file does not set.
func NewWatcher(path string, base banking.Config, logger *logging.Logger) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires path")
	}
	if logger == nil {
		logger = logging.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	w := &Watcher{
		path:     path,
		logger:   logger.WithComponent("config").WithField("path", path),
		snapshot: BankingSnapshot{Config: base, LoadedAt: time.Now()},
	}
	if _, err := w.apply(v); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		changed, err := w.apply(v)
		if err != nil {
			w.logger.Error("Banking config reload failed", "event", evt.Name, "error", err.Error())
			return
		}
		if changed {
			w.notify()
		}
	})
	v.WatchConfig()
	return w, nil
}

// Snapshot returns the current banking section.
func (w *Watcher) Snapshot() BankingSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

// Subscribe registers fn for future changes.
func (w *Watcher) Subscribe(fn BankingListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Reload re-reads the file on demand and notifies listeners when the
// banking section changed. It reads through its own viper instance since
// the watched one is owned by the watch goroutine.
func (w *Watcher) Reload() error {
	v := viper.New()
	v.SetConfigFile(w.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	changed, err := w.apply(v)
	if err != nil {
		return err
	}
	if changed {
		w.notify()
	}
	return nil
}

// Close stops delivering changes. viper keeps its watch goroutine for the
// life of the process.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	w.listeners = nil
	w.mu.Unlock()
}

// apply decodes the banking section over the current one and reports
// whether it changed.
func (w *Watcher) apply(v *viper.Viper) (bool, error) {
	w.mu.RLock()
	next := w.snapshot.Config
	w.mu.RUnlock()

	if v.IsSet("banking") {
		if err := decode(v, "banking", &next); err != nil {
			return false, fmt.Errorf("decode banking section: %w", err)
		}
	}
	if next.Enabled {
		if err := next.Validate(); err != nil {
			return false, fmt.Errorf("banking section: %w", err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if next == w.snapshot.Config && w.snapshot.Version > 0 {
		return false, nil
	}
	w.snapshot = BankingSnapshot{
		Version:  w.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Config:   next,
	}
	w.logger.Info("Banking config loaded",
		"version", w.snapshot.Version,
		"enabled", next.Enabled,
		"interval", next.BankingInterval.String())
	return true, nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return
	}
	cfg := w.snapshot.Config
	listeners := append([]BankingListener(nil), w.listeners...)
	w.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Banking config listener panic", "panic", fmt.Sprint(r))
				}
			}()
			fn(cfg)
		}()
	}
}
