package config

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

// Runtime holds the configuration values that can change while the service runs.
// Reads are lock-free; listeners are notified after every effective change.
type Runtime struct {
	maxParallel      atomic.Int64
	activityTimeout  atomic.Int64 // minutes
	wallClockTimeout atomic.Int64 // minutes

	mu        sync.Mutex
	listeners []func()
}

// NewRuntime seeds a Runtime from a loaded config.
func NewRuntime(cfg *Config) *Runtime {
	r := &Runtime{}
	r.maxParallel.Store(int64(cfg.Scheduler.MaxParallelSubtasks))
	r.activityTimeout.Store(int64(cfg.Watchdog.ActivityTimeoutMinutes))
	r.wallClockTimeout.Store(int64(cfg.Watchdog.WallClockTimeoutMinutes))
	return r
}

// MaxParallel returns the admission cap.
func (r *Runtime) MaxParallel() int {
	return int(r.maxParallel.Load())
}

// ActivityTimeout returns the global inactivity limit. Zero disables the check.
func (r *Runtime) ActivityTimeout() time.Duration {
	return time.Duration(r.activityTimeout.Load()) * time.Minute
}

// WallClockTimeout returns the global elapsed-time limit. Zero disables the check.
func (r *Runtime) WallClockTimeout() time.Duration {
	return time.Duration(r.wallClockTimeout.Load()) * time.Minute
}

// SetMaxParallel updates the admission cap and notifies listeners when it changed.
func (r *Runtime) SetMaxParallel(n int) {
	if n < 0 {
		n = 0
	}
	if r.maxParallel.Swap(int64(n)) != int64(n) {
		r.notify()
	}
}

// SetTimeouts updates the watchdog limits, in minutes.
func (r *Runtime) SetTimeouts(activityMinutes, wallClockMinutes int) {
	a := r.activityTimeout.Swap(int64(activityMinutes))
	w := r.wallClockTimeout.Swap(int64(wallClockMinutes))
	if a != int64(activityMinutes) || w != int64(wallClockMinutes) {
		r.notify()
	}
}

// OnChange registers a listener invoked after every effective change.
func (r *Runtime) OnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Runtime) notify() {
	r.mu.Lock()
	listeners := make([]func(), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Watch re-reads the config file on change and applies the runtime-mutable
// values, the log level included.
// Invalid edits are logged and ignored.
func (r *Runtime) Watch(v *viper.Viper, log *logger.Logger) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	log = log.Component("config-watcher")
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Warn("Ignoring invalid config change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		r.SetMaxParallel(cfg.Scheduler.MaxParallelSubtasks)
		r.SetTimeouts(cfg.Watchdog.ActivityTimeoutMinutes, cfg.Watchdog.WallClockTimeoutMinutes)
		if changed, err := log.SetLevel(cfg.Logging.Level); err != nil {
			log.Warn("Ignoring invalid log level", zap.String("level", cfg.Logging.Level))
		} else if changed {
			log.Info("Log level changed", zap.String("level", log.Level()))
		}
		log.Info("Runtime config reloaded",
			zap.Int("max_parallel", r.MaxParallel()),
			zap.Duration("activity_timeout", r.ActivityTimeout()),
			zap.Duration("wall_clock_timeout", r.WallClockTimeout()))
	})
	v.WatchConfig()
}
