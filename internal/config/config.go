// Package config loads the receiver daemon's YAML configuration and
// hot-reloads the subset of it that's safe to change without restarting
// workers. Grounded on the teacher's use of gopkg.in/yaml.v3-shaped plain
// structs (enrichment from sandstore, which depends on it) and its
// fsnotify-based directory watcher in sender.go, repointed here at a
// single config file instead of a send directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Port describes one listening worker's static configuration.
type Port struct {
	Number int    `yaml:"number"`
	Kind   string `yaml:"kind"` // "tcp" or "serial"

	// Serial-only fields.
	SerialDevice string `yaml:"serialDevice,omitempty"`
	BaudRate     int    `yaml:"baudRate,omitempty"`
}

// Static is the portion of configuration that is fixed for a daemon's
// lifetime: it is read once at startup and never hot-reloaded.
type Static struct {
	Ports              []Port `yaml:"ports"`
	BufferSize         int    `yaml:"bufferSize"`
	ListenMaxRetries   int    `yaml:"listenMaxRetries"`
	ListenRetryDelayMs int    `yaml:"listenRetryDelayMs"`
	AcceptMaxRetries   int    `yaml:"acceptMaxRetries"`
	AcceptWindowMs     int    `yaml:"acceptWindowMs"`
	ProtocolVersion    int    `yaml:"protocolVersion"`
	TransferLogDir     string `yaml:"transferLogDir"`
	AdminListenAddr    string `yaml:"adminListenAddr"`
}

// Runtime is the subset Watcher reloads and republishes on every file
// change: throttler rate, log level, and MQTT settings. cmd/receiverd
// applies only the throttler rate from an update; log level and MQTT
// settings are read once at startup.
type Runtime struct {
	ThrottleBytesPerSec float64    `yaml:"throttleBytesPerSec"`
	LogLevel            string     `yaml:"logLevel"`
	MQTT                MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig mirrors the teacher's MQTT flags, see internal/events.Config.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// File is the top-level YAML document shape.
type File struct {
	Static  `yaml:",inline"`
	Runtime `yaml:",inline"`
}

// Load reads and parses the YAML configuration at path.
func Load(path string) (File, error) {
	var f File
	b, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}

// Watcher watches the config file for changes and republishes Runtime
// whenever the file is rewritten. Static fields changing in the file are
// ignored once the daemon has started, since Static is only ever read at
// startup.
type Watcher struct {
	path string

	mu      sync.RWMutex
	current Runtime

	updates chan Runtime
}

// NewWatcher loads the initial Runtime config from path and starts
// watching it with fsnotify, grounded on sender.go's directory-watcher
// goroutine shape.
func NewWatcher(path string) (*Watcher, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, current: f.Runtime, updates: make(chan Runtime, 1)}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go w.watchLoop(watcher)
	return w, nil
}

func (w *Watcher) watchLoop(watcher *fsnotify.Watcher) {
	defer watcher.Close()
	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			f, err := Load(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.current = f.Runtime
			w.mu.Unlock()
			select {
			case w.updates <- f.Runtime:
			default:
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently loaded Runtime config.
func (w *Watcher) Current() Runtime {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Updates is fed a new Runtime every time the file changes. Only the most
// recent unconsumed update is retained.
func (w *Watcher) Updates() <-chan Runtime { return w.updates }

// ParseLogLevel normalizes a configured level string for zap's
// AtomicLevel, defaulting to "info" on anything unrecognized.
func ParseLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "debug", "info", "warn", "error":
		return normalized
	default:
		return "info"
	}
}
