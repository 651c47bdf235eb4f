// Package configsvc watches YAML configuration files and notifies clients of
// validated changes.
package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

var ErrNotStarted = errors.New("config service not started")

const defaultDebounce = 100 * time.Millisecond

type subscriber func(event fsnotify.Event)

type Option func(*Service)

// WithDebounce sets how long a file must stay quiet before a change is
// reloaded. Editors usually write a file in several steps.
func WithDebounce(d time.Duration) Option {
	return func(s *Service) {
		s.debounce = d
	}
}

type Service struct {
	log      *zap.Logger
	debounce time.Duration

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	subscribers []subscriber
	ready       chan struct{}
}

func New(log *zap.Logger, opts ...Option) *Service {
	svc := &Service{
		log:      log,
		debounce: defaultDebounce,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	close(s.ready)
	s.log.Info("Config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			subs := s.subscribers
			s.mu.Unlock()
			for _, sub := range subs {
				sub(event)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Watcher error", zap.Error(err))
		}
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

func (s *Service) watch(dir string, fn subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return ErrNotStarted
	}
	if err := s.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to add path to watcher %s: %w", dir, err)
	}
	s.subscribers = append(s.subscribers, fn)
	return nil
}

// Register reads the configuration at path and calls fn with every later
// version of it. Invalid versions are passed to fn with a non-nil error.
// The service must be Ready. Service instance is used as a parameter instead
// of the method receiver to enable generic types.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	config, err := readConfig(absPath, def)
	if err != nil {
		return def, fmt.Errorf("failed to read config: %w", err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		newConfig, err := readConfig(absPath, def)
		fn(newConfig, err)
	}
	err = s.watch(filepath.Dir(absPath), func(event fsnotify.Event) {
		if event.Name != absPath || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, reload)
	})
	if err != nil {
		return def, err
	}
	return config, nil
}

// RegisterWriteable behaves like Register and writes def to path first when
// the file does not exist.
func RegisterWriteable[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return def, fmt.Errorf("failed to create config dir: %w", err)
		}
		if err := writeConfig(absPath, def); err != nil {
			return def, fmt.Errorf("failed to initialize config: %w", err)
		}
		s.log.Info("Wrote default config", zap.String("path", absPath))
	}
	return Register(s, absPath, def, fn)
}

// Load reads and validates a configuration file once, without watching it.
func Load[T any](path string, def T) (T, error) {
	return readConfig(path, def)
}

func writeConfig[T any](path string, config T) error {
	jsonB, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	yamlB, err := yaml.JSONToYAML(jsonB)
	if err != nil {
		return fmt.Errorf("failed to convert json to yaml: %w", err)
	}

	err = os.WriteFile(path, yamlB, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func readConfig[T any](path string, def T) (T, error) {
	yamlB, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read config file: %w", err)
	}

	jsonB, err := yaml.YAMLToJSON(yamlB)
	if err != nil {
		return def, fmt.Errorf("failed to convert yaml to json: %w", err)
	}
	config, err := clone(def)
	if err != nil {
		return def, err
	}
	err = json.Unmarshal(jsonB, &config)
	if err != nil {
		return def, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	if err := Validate(config); err != nil {
		return def, err
	}
	return config, nil
}

// clone deep-copies def so that decoding into maps or slices never mutates
// the caller's defaults.
func clone[T any](def T) (T, error) {
	var out T
	b, err := json.Marshal(def)
	if err != nil {
		return out, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("failed to copy defaults: %w", err)
	}
	return out, nil
}
