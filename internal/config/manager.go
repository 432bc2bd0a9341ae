package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	logx "audiotasks/pkg/logx"
)

const validateTimeout = 5 * time.Second

// ConfigManager holds the committed config for one file and hands reloads
// to subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	validator func(ctx context.Context, cfg *Config) error

	mu          sync.RWMutex
	cfg         *Config
	fingerprint []byte

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that a reload must pass after Config.Validate,
// e.g. that every job name is registered.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file without committing it. Files ending in .yaml or .yml
// are YAML, anything else is JSON.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(raw, isYAML(m.path))
}

// Decode overlays a document on Default. Unknown keys and anything after the
// first document are rejected.
func Decode(raw []byte, yamlDoc bool) (*Config, error) {
	if yamlDoc {
		converted, err := yamlToJSON(raw)
		if err != nil {
			return nil, err
		}
		raw = converted
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("config: %w", err)
	default:
		return nil, errors.New("config: trailing data")
	}
}

// Load parses and validates the file, then commits it.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	fp := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.fingerprint = cfg, fp
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// fingerprint is the canonical JSON of cfg; nil when it cannot be encoded,
// which never compares equal.
func fingerprint(cfg *Config) []byte {
	if cfg == nil {
		return nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	return b
}

func (m *ConfigManager) sameAsCommitted(fp []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fp != nil && bytes.Equal(fp, m.fingerprint)
}

// Reload re-reads the file. A config equal to the committed one is ignored;
// an invalid one is returned as an error and leaves the committed config in
// place. It reports whether subscribers were handed a new config.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	fp := fingerprint(cfg)
	if m.sameAsCommitted(fp) {
		return false, nil
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		defer cancel()
		if err := m.validator(vctx, cfg); err != nil {
			return false, err
		}
	}
	m.Commit(cfg)
	m.broadcast(cfg)
	return true, nil
}

// Subscribe returns a channel of committed reloads. When the subscriber
// lags, older configs are discarded in favour of the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for !trySend(ch, cfg) {
			select {
			case <-ch:
				m.log.Debug("stale config discarded", logx.Int("queue_cap", cap(ch)))
			default:
			}
		}
	}
}

func trySend(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}
