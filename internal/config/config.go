package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultHost           = "127.0.0.1"
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	DefaultRequestTimeout = 5 * time.Minute
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultHistoryLimit   = 10000

	// EnvPrefix prefixes every environment override, e.g. CBR_PORT.
	EnvPrefix = "CBR_"
)

const (
	StoreMemory = "memory"
	StoreBolt   = "bolt"
	StoreLog    = "log"
)

type ConversationConfig struct {
	IdleTimeout   Duration `json:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// Store is "memory" or "bolt".
	Store string `json:"store" yaml:"store"`
}

type RetryConfig struct {
	MaxAttempts    int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     Duration `json:"max_backoff" yaml:"max_backoff"`
}

type HistoryConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Store is "log" or "bolt".
	Store string `json:"store" yaml:"store"`
	// Limit caps the summaries kept by the bolt store; negative keeps all.
	Limit int `json:"limit,omitempty" yaml:"limit,omitempty"`
}

type Config struct {
	Host           string   `json:"host" yaml:"host" env:"HOST"`
	Port           int      `json:"port" yaml:"port" env:"PORT"`
	APIKey         string   `json:"api_key,omitempty" yaml:"api_key,omitempty" env:"API_KEY"`
	LogLevel       string   `json:"log_level,omitempty" yaml:"log_level,omitempty" env:"LOG_LEVEL"`
	LogFormat      string   `json:"log_format,omitempty" yaml:"log_format,omitempty" env:"LOG_FORMAT"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	DataDir        string   `json:"data_dir,omitempty" yaml:"data_dir,omitempty" env:"DATA_DIR"`
	ActiveProvider string   `json:"active_provider,omitempty" yaml:"active_provider,omitempty" env:"ACTIVE_PROVIDER"`

	Providers    []ProviderConfig   `json:"providers" yaml:"providers"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	Retry        RetryConfig        `json:"retry" yaml:"retry"`
	History      HistoryConfig      `json:"history" yaml:"history"`
}

// Provider returns the provider with id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Masked returns a copy safe for display.
func (c *Config) Masked() *Config {
	cp := *c
	cp.APIKey = MaskString(c.APIKey)
	cp.Providers = make([]ProviderConfig, len(c.Providers))
	for i, p := range c.Providers {
		cp.Providers[i] = p.Masked()
	}
	return &cp
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.RequestTimeout.Duration == 0 {
		c.RequestTimeout = NewDuration(DefaultRequestTimeout)
	}
	if c.Conversation.IdleTimeout.Duration == 0 {
		c.Conversation.IdleTimeout = NewDuration(DefaultIdleTimeout)
	}
	if c.Conversation.SweepInterval.Duration == 0 {
		c.Conversation.SweepInterval = NewDuration(DefaultSweepInterval)
	}
	if c.Conversation.Store == "" {
		c.Conversation.Store = StoreMemory
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.InitialBackoff.Duration == 0 {
		c.Retry.InitialBackoff = NewDuration(DefaultInitialBackoff)
	}
	if c.Retry.MaxBackoff.Duration == 0 {
		c.Retry.MaxBackoff = NewDuration(DefaultMaxBackoff)
	}
	if c.History.Store == "" {
		c.History.Store = StoreLog
	}
	if c.History.Limit == 0 {
		c.History.Limit = DefaultHistoryLimit
	}
	for i := range c.Providers {
		c.Providers[i].applyDefaults()
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

type Manager struct {
	baseDir     string
	jsonPath    string
	yamlPath    string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		jsonPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath: filepath.Join(baseDir, DefaultYAMLFilename),
	}
}

// Load reads config.yaml, or config.json when there is no YAML file,
// applies defaults and then CBR_* environment overrides.
func (m *Manager) Load() (*Config, error) {
	return m.load(nil)
}

func (m *Manager) load(environ map[string]string) (*Config, error) {
	path := m.GetPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml config: %w", err)
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyEnv(&cfg, environ); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg in the format of the file currently in use.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	path := m.GetPath()
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

// SaveAsYAML writes cfg to config.yaml, which then takes precedence.
func (m *Manager) SaveAsYAML(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml config: %w", err)
	}

	if err := os.WriteFile(m.yamlPath, data, 0600); err != nil {
		return fmt.Errorf("write yaml config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

// Update applies fn to a copy of the current configuration and saves it.
func (m *Manager) Update(fn func(cfg *Config) error) (*Config, error) {
	current := m.Get()
	cp := *current
	cp.Providers = append([]ProviderConfig(nil), current.Providers...)

	if err := fn(&cp); err != nil {
		return nil, err
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if err := m.Save(&cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// GetPath returns the YAML path when it exists, otherwise the JSON path.
func (m *Manager) GetPath() string {
	if _, err := os.Stat(m.yamlPath); err == nil {
		return m.yamlPath
	}
	return m.jsonPath
}

func (m *Manager) BaseDir() string {
	return m.baseDir
}

// DataDir is where the bolt database and credentials live.
func (m *Manager) DataDir() string {
	if dir := m.Get().DataDir; dir != "" {
		return dir
	}
	return m.baseDir
}

func (m *Manager) Exists() bool {
	_, errYAML := os.Stat(m.yamlPath)
	_, errJSON := os.Stat(m.jsonPath)
	return errYAML == nil || errJSON == nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

var errNoConfig = errors.New("no configuration found")

// ErrNoConfig is returned by commands that need an existing configuration.
func ErrNoConfig() error {
	return errNoConfig
}
