package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// ConfigManager owns the active configuration and fans reloads out to
// subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu        sync.RWMutex
	cfg       *Config
	sum       uint64
	validator func(ctx context.Context, cfg *Config) error

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	debounce time.Duration
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     path,
		subs:     make(map[chan *Config]struct{}),
		debounce: 250 * time.Millisecond,
	}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook a reloaded config must pass before it is
// committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads the file, decodes it strictly and overlays RELAYBOT_* env vars.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses config bytes. The format follows the file extension
// (.yaml/.yml or JSON); unknown fields and trailing data are rejected.
func Decode(path string, raw []byte) (*Config, error) {
	doc, format, err := asJSON(path, raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return &cfg, nil
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	default:
		return nil, err
	}
}

// Load parses and validates the file and makes it the active config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	sum := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload. A slow
// reader only ever misses intermediate versions, never the latest one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting one stale entry when the buffer is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload commits and broadcasts the file when its content changed and the
// validator accepts it.
func (m *ConfigManager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}

	sum := fingerprint(cfg)
	m.mu.RLock()
	same, validate := sum != 0 && sum == m.sum, m.validator
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return
	}

	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.broadcast(cfg)
	log.Debug("config published", logx.String("sum", fmt.Sprintf("%016x", sum)))
}

func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(raw)
	return h.Sum64()
}
