package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// MinRemoteTimeout is the floor applied to every outbound detector call.
const MinRemoteTimeout = 1 * time.Second

const (
	DefaultSFSEndpoint      = "https://api.stopforumspam.org/api"
	DefaultConfidenceMin    = 30.0
	DefaultRemoteTimeout    = 5 * time.Second
	DefaultLookupCacheTTL   = time.Hour
	DefaultAutoBlockWindow  = 24 * time.Hour
	DefaultMaintenanceCron  = "0 */15 * * * *"
	DetectorStopForumSpam   = "stop_forum_spam"
	DetectorBlockList       = "block_list"
	DetectorGeo             = "geo"
	PipelineModeConcurrent  = "concurrent"
	PipelineModeSequential  = "sequential"
	CacheBackendMemory      = "memory"
	CacheBackendRedis       = "redis"
	GeoProviderIPStack      = "ipstack"
	GeoProviderIPInfo       = "ipinfo"
	GeoProviderLocalDB      = "localdb"
	defaultNonceLifetime    = 24 * time.Hour
	defaultChannelBuffer    = 10000
	defaultLogBuffer        = 4096
	defaultCacheSize        = 50000
	defaultIngestWorkers    = 4
	defaultDetectorDeadline = 10 * time.Second
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	LogFile     LogFileConfig     `json:"log_file" yaml:"log_file"`
	Detectors   DetectorsConfig   `json:"detectors" yaml:"detectors"`
	Pipeline    PipelineConfig    `json:"pipeline" yaml:"pipeline"`
	Whitelist   []string          `json:"whitelist" yaml:"whitelist"`
	AutoBlock   AutoBlockConfig   `json:"auto_block" yaml:"auto_block"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	API         APIConfig         `json:"api" yaml:"api"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance"`
	Recent      RecentConfig      `json:"recent" yaml:"recent"`
}

type LogFileConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type DetectorsConfig struct {
	StopForumSpam StopForumSpamConfig `json:"stop_forum_spam" yaml:"stop_forum_spam"`
	BlockList     BlockListConfig     `json:"block_list" yaml:"block_list"`
	Geo           GeoConfig           `json:"geo" yaml:"geo"`
}

type StopForumSpamConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Endpoint      string        `json:"endpoint" yaml:"endpoint"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	ConfidenceMin float64       `json:"confidence_min" yaml:"confidence_min"`
	CacheTTL      time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type BlockListConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	RequestKeys []string `json:"request_keys" yaml:"request_keys"`
}

type GeoConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Provider     string        `json:"provider" yaml:"provider"`
	Endpoint     string        `json:"endpoint" yaml:"endpoint"`
	IPStackKey   string        `json:"ipstack_key" yaml:"ipstack_key"`
	IPInfoToken  string        `json:"ipinfo_token" yaml:"ipinfo_token"`
	DatabasePath string        `json:"database_path" yaml:"database_path"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	CacheTTL     time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type PipelineConfig struct {
	Order           []string      `json:"order" yaml:"order"`
	Mode            string        `json:"mode" yaml:"mode"`
	StopOnBlock     bool          `json:"stop_on_block" yaml:"stop_on_block"`
	DetectorTimeout time.Duration `json:"detector_timeout" yaml:"detector_timeout"`
	MaxConcurrency  int           `json:"max_concurrency" yaml:"max_concurrency"`
	AsyncLog        bool          `json:"async_log" yaml:"async_log"`
	LogBuffer       int           `json:"log_buffer" yaml:"log_buffer"`
}

type AutoBlockConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Cooldown  time.Duration `json:"cooldown" yaml:"cooldown"`
	Detectors []string      `json:"detectors" yaml:"detectors"`
}

type CacheConfig struct {
	Backend   string `json:"backend" yaml:"backend"`
	Size      int    `json:"size" yaml:"size"`
	RedisURL  string `json:"redis_url" yaml:"redis_url"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	Addr           string        `json:"addr" yaml:"addr"`
	NonceSecret    string        `json:"nonce_secret" yaml:"nonce_secret"`
	NonceLifetime  time.Duration `json:"nonce_lifetime" yaml:"nonce_lifetime"`
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int         `json:"workers" yaml:"workers"`
	REST          RESTConfig  `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MaintenanceConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Schedule     string        `json:"schedule" yaml:"schedule"`
	LogRetention time.Duration `json:"log_retention" yaml:"log_retention"`
}

type RecentConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogFile:  LogFileConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28, Compress: true},
		Detectors: DetectorsConfig{
			StopForumSpam: StopForumSpamConfig{
				Enabled:       false,
				Endpoint:      DefaultSFSEndpoint,
				Timeout:       DefaultRemoteTimeout,
				ConfidenceMin: DefaultConfidenceMin,
				CacheTTL:      DefaultLookupCacheTTL,
			},
			BlockList: BlockListConfig{Enabled: true},
			Geo: GeoConfig{
				Enabled:  false,
				Provider: GeoProviderIPInfo,
				Timeout:  DefaultRemoteTimeout,
				CacheTTL: 24 * time.Hour,
			},
		},
		Pipeline: PipelineConfig{
			Order:           []string{DetectorBlockList, DetectorGeo, DetectorStopForumSpam},
			Mode:            PipelineModeConcurrent,
			DetectorTimeout: defaultDetectorDeadline,
			MaxConcurrency:  0,
			AsyncLog:        true,
			LogBuffer:       defaultLogBuffer,
		},
		AutoBlock: AutoBlockConfig{
			Enabled:   true,
			Duration:  DefaultAutoBlockWindow,
			Cooldown:  time.Minute,
			Detectors: []string{DetectorStopForumSpam},
		},
		Cache:   CacheConfig{Backend: CacheBackendMemory, Size: defaultCacheSize, KeyPrefix: "spamguard:"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:spamguard.db?_pragma=busy_timeout(5000)"},
		API:     APIConfig{Enabled: true, Addr: ":8081", NonceLifetime: defaultNonceLifetime},
		Ingest: IngestConfig{
			ChannelBuffer: defaultChannelBuffer,
			Workers:       defaultIngestWorkers,
			REST:          RESTConfig{Enabled: false, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Maintenance: MaintenanceConfig{Enabled: true, Schedule: DefaultMaintenanceCron},
		Recent:      RecentConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	sfs := &cfg.Detectors.StopForumSpam
	if sfs.Endpoint == "" {
		sfs.Endpoint = DefaultSFSEndpoint
	}
	if sfs.Timeout <= 0 {
		sfs.Timeout = DefaultRemoteTimeout
	}
	sfs.Timeout = ClampTimeout(sfs.Timeout)
	if sfs.ConfidenceMin <= 0 {
		sfs.ConfidenceMin = DefaultConfidenceMin
	}
	if sfs.CacheTTL <= 0 {
		sfs.CacheTTL = DefaultLookupCacheTTL
	}
	geo := &cfg.Detectors.Geo
	if geo.Provider == "" {
		geo.Provider = GeoProviderIPInfo
	}
	geo.Provider = strings.ToLower(geo.Provider)
	if geo.Timeout <= 0 {
		geo.Timeout = DefaultRemoteTimeout
	}
	geo.Timeout = ClampTimeout(geo.Timeout)
	if geo.CacheTTL <= 0 {
		geo.CacheTTL = 24 * time.Hour
	}
	if len(cfg.Pipeline.Order) == 0 {
		cfg.Pipeline.Order = []string{DetectorBlockList, DetectorGeo, DetectorStopForumSpam}
	}
	if cfg.Pipeline.Mode == "" {
		cfg.Pipeline.Mode = PipelineModeConcurrent
	}
	cfg.Pipeline.Mode = strings.ToLower(cfg.Pipeline.Mode)
	if cfg.Pipeline.DetectorTimeout <= 0 {
		cfg.Pipeline.DetectorTimeout = defaultDetectorDeadline
	}
	cfg.Pipeline.DetectorTimeout = ClampTimeout(cfg.Pipeline.DetectorTimeout)
	if cfg.Pipeline.LogBuffer <= 0 {
		cfg.Pipeline.LogBuffer = defaultLogBuffer
	}
	if cfg.AutoBlock.Duration <= 0 {
		cfg.AutoBlock.Duration = DefaultAutoBlockWindow
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheBackendMemory
	}
	if cfg.Cache.Size <= 0 {
		cfg.Cache.Size = defaultCacheSize
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.API.NonceLifetime <= 0 {
		cfg.API.NonceLifetime = defaultNonceLifetime
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = defaultChannelBuffer
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = defaultIngestWorkers
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = DefaultMaintenanceCron
	}
	if cfg.Recent.StoreLimit <= 0 {
		cfg.Recent.StoreLimit = 1000
	}
}

// ClampTimeout enforces MinRemoteTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	if d < MinRemoteTimeout {
		return MinRemoteTimeout
	}
	return d
}

func Validate(cfg *Config) error {
	sfs := cfg.Detectors.StopForumSpam
	if sfs.ConfidenceMin < 0 || sfs.ConfidenceMin > 100 {
		return fmt.Errorf("detectors.stop_forum_spam.confidence_min must be within 0-100, got %v", sfs.ConfidenceMin)
	}
	switch cfg.Detectors.Geo.Provider {
	case GeoProviderIPStack, GeoProviderIPInfo, GeoProviderLocalDB:
	default:
		return fmt.Errorf("unsupported detectors.geo.provider: %q", cfg.Detectors.Geo.Provider)
	}
	if cfg.Detectors.Geo.Enabled && cfg.Detectors.Geo.Provider == GeoProviderLocalDB && cfg.Detectors.Geo.DatabasePath == "" {
		return errors.New("detectors.geo.database_path required when provider is localdb")
	}
	switch cfg.Pipeline.Mode {
	case PipelineModeConcurrent, PipelineModeSequential:
	default:
		return fmt.Errorf("unsupported pipeline.mode: %q", cfg.Pipeline.Mode)
	}
	seen := make(map[string]struct{}, len(cfg.Pipeline.Order))
	for _, id := range cfg.Pipeline.Order {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("pipeline.order lists %q twice", id)
		}
		seen[id] = struct{}{}
	}
	switch strings.ToLower(cfg.Cache.Backend) {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if cfg.Cache.RedisURL == "" {
			return errors.New("cache.redis_url required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported cache.backend: %q", cfg.Cache.Backend)
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Maintenance.LogRetention < 0 {
		return errors.New("maintenance.log_retention must not be negative")
	}
	return nil
}

// Enabled reports whether the detector with the given id is switched on.
func (c *Config) Enabled(detector string) bool {
	switch detector {
	case DetectorStopForumSpam:
		return c.Detectors.StopForumSpam.Enabled
	case DetectorBlockList:
		return c.Detectors.BlockList.Enabled
	case DetectorGeo:
		return c.Detectors.Geo.Enabled
	}
	return false
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
