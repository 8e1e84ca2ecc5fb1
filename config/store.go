package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Store is the in-process stand-in for spec.md §6's "shared-memory region
// exposing the active Config snapshot": the supervisor side writes (here,
// a config file on disk, watched with fsnotify), workers read an atomic
// snapshot pointer that's always either the last-known-good config or a
// freshly reloaded one — never a partially-applied one.
type Store struct {
	v       *viper.Viper
	current atomic.Pointer[Config]
	log     *logrus.Entry

	mu       sync.Mutex
	watchers []func(*Config)
}

// NewStore loads path (if non-empty) and begins watching it for changes.
// A watch callback fires on every successful reload; a failed reload (bad
// file) keeps serving the previous snapshot and logs at error level,
// per spec.md §7 "Configuration error on reload: retain the previous
// config; log at error; worker remains running".
func NewStore(path string, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		v:   newViper(path),
		log: log.WithField("component", "config_store"),
	}
	s.current.Store(cfg)

	if path != "" {
		if err := s.v.ReadInConfig(); err == nil {
			s.v.OnConfigChange(func(fsnotify.Event) { s.reload() })
			s.v.WatchConfig()
		}
	}
	return s, nil
}

// Snapshot returns the currently active configuration. Callers hold onto
// the returned pointer for the lifetime of the operation they're
// performing; Store never mutates a Config in place, only swaps the
// pointer, so a held snapshot is always internally consistent (spec.md
// §5 "readers copy the structure by value... in-flight operations
// continue against a stable snapshot").
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Watch registers fn to be called, on the goroutine that observed the
// filesystem event, every time a reload succeeds. The worker lifecycle
// does not register a watcher: on SIGHUP it reads Snapshot and passes the
// result to the pool's SetConfig and the limiter's Configure itself.
func (s *Store) Watch(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Reload re-reads the backing file and swaps the snapshot if it parses
// cleanly. Exposed directly (not just via the fsnotify hook) so a SIGHUP
// handler can force a reload without waiting on the filesystem watcher.
func (s *Store) Reload() {
	s.reload()
}

func (s *Store) reload() {
	if err := s.v.ReadInConfig(); err != nil {
		s.log.WithError(err).Error("config reload failed, retaining previous config")
		return
	}

	next := Default()
	if err := s.v.Unmarshal(next); err != nil {
		s.log.WithError(err).Error("config reload failed to unmarshal, retaining previous config")
		return
	}

	s.current.Store(next)
	s.log.Info("config reloaded")

	s.mu.Lock()
	watchers := append([]func(*Config){}, s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w(next)
	}
}
