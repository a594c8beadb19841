package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFileName = "tokenmeter.toml"

	defaultListenAddr            = ":3000"
	defaultEncoding              = "cl100k_base"
	defaultMaxCaptureBytes       = 4 << 20
	defaultResponseHeaderTimeout = 60

	UsageStoreNone     = "none"
	UsageStoreSegments = "segments"
	UsageStoreSQLite   = "sqlite"

	defaultRedisStream = "tokenmeter:usage"
)

type RouteConfig struct {
	Prefix string `toml:"prefix" yaml:"prefix" json:"prefix"`
	Target string `toml:"target" yaml:"target" json:"target"`
}

type UsageLogConfig struct {
	Path    string `toml:"path" yaml:"path"`
	Console bool   `toml:"console" yaml:"console"`
}

type UsageStoreConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
	Path   string `toml:"path,omitempty" yaml:"path,omitempty"`
}

type RedisConfig struct {
	URL    string `toml:"url,omitempty" yaml:"url,omitempty"`
	Stream string `toml:"stream,omitempty" yaml:"stream,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Domain   string `toml:"domain" yaml:"domain"`
	Email    string `toml:"email" yaml:"email"`
	CacheDir string `toml:"cache_dir" yaml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr                   string           `toml:"listen_addr" yaml:"listen_addr"`
	// BackendURL enables single-backend mode: every path is forwarded as-is.
	BackendURL                   string           `toml:"backend_url,omitempty" yaml:"backend_url,omitempty"`
	Routes                       []RouteConfig    `toml:"routes" yaml:"routes"`
	Encoding                     string           `toml:"encoding" yaml:"encoding"`
	MaxCaptureBytes              int64            `toml:"max_capture_bytes" yaml:"max_capture_bytes"`
	ResponseHeaderTimeoutSeconds int              `toml:"response_header_timeout_seconds" yaml:"response_header_timeout_seconds"`
	StreamTimeoutSeconds         int              `toml:"stream_timeout_seconds,omitempty" yaml:"stream_timeout_seconds,omitempty"`
	UsageLog                     UsageLogConfig   `toml:"usage_log" yaml:"usage_log"`
	UsageStore                   UsageStoreConfig `toml:"usage_store" yaml:"usage_store"`
	StatsPath                    string           `toml:"stats_path" yaml:"stats_path"`
	Redis                        RedisConfig      `toml:"redis" yaml:"redis"`
	TLS                          TLSConfig        `toml:"tls" yaml:"tls"`
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tokenmeter")
}

func cacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "tokenmeter")
}

func DefaultServerConfigPath() string {
	dir := configDir()
	if dir == "" {
		return defaultConfigFileName
	}
	return filepath.Join(dir, defaultConfigFileName)
}

func DefaultUsageLogPath() string {
	dir := cacheDir()
	if dir == "" {
		return "token-usage.log"
	}
	return filepath.Join(dir, "token-usage.log")
}

func DefaultUsageStatsPath() string {
	dir := cacheDir()
	if dir == "" {
		return "usage-stats.json"
	}
	return filepath.Join(dir, "usage-stats.json")
}

func DefaultUsageDBPath() string {
	dir := cacheDir()
	if dir == "" {
		return "usage-db"
	}
	return filepath.Join(dir, "usage-db")
}

func DefaultTLSCacheDir() string {
	dir := cacheDir()
	if dir == "" {
		return "tls-autocert"
	}
	return filepath.Join(dir, "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: defaultListenAddr,
		Routes: []RouteConfig{
			{Prefix: "/phi2", Target: "http://localhost:8000"},
			{Prefix: "/rwkv", Target: "http://localhost:8001"},
		},
		Encoding:                     defaultEncoding,
		MaxCaptureBytes:              defaultMaxCaptureBytes,
		ResponseHeaderTimeoutSeconds: defaultResponseHeaderTimeout,
		UsageLog: UsageLogConfig{
			Path: DefaultUsageLogPath(),
		},
		UsageStore: UsageStoreConfig{
			Driver: UsageStoreSegments,
			Path:   DefaultUsageDBPath(),
		},
		StatsPath: DefaultUsageStatsPath(),
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

// loadBase carries defaults for every scalar but no route table, so a file
// that only sets backend_url stays in single-backend mode.
func loadBase() *ServerConfig {
	cfg := NewDefaultServerConfig()
	cfg.Routes = nil
	return cfg
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := loadBase()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, cfg *ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, cfg); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	cfg.Routes = nil
	return load(path, cfg)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if isYAMLPath(path) {
		if err := yaml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
		return nil
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	var (
		b   []byte
		err error
	)
	if isYAMLPath(path) {
		b, err = yaml.Marshal(v)
	} else {
		b, err = marshalTOML(v)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	c.Encoding = strings.ToLower(strings.TrimSpace(c.Encoding))
	if c.Encoding == "" {
		c.Encoding = defaultEncoding
	}
	if c.MaxCaptureBytes <= 0 {
		c.MaxCaptureBytes = defaultMaxCaptureBytes
	}
	if c.ResponseHeaderTimeoutSeconds <= 0 {
		c.ResponseHeaderTimeoutSeconds = defaultResponseHeaderTimeout
	}
	if c.StreamTimeoutSeconds < 0 {
		c.StreamTimeoutSeconds = 0
	}
	c.UsageLog.Path = strings.TrimSpace(c.UsageLog.Path)
	c.UsageStore.Driver = strings.ToLower(strings.TrimSpace(c.UsageStore.Driver))
	if c.UsageStore.Driver == "" {
		c.UsageStore.Driver = UsageStoreNone
	}
	c.UsageStore.Path = strings.TrimSpace(c.UsageStore.Path)
	if c.UsageStore.Path == "" && c.UsageStore.Driver == UsageStoreSegments {
		c.UsageStore.Path = DefaultUsageDBPath()
	}
	c.StatsPath = strings.TrimSpace(c.StatsPath)
	c.Redis.URL = strings.TrimSpace(c.Redis.URL)
	c.Redis.Stream = strings.TrimSpace(c.Redis.Stream)
	if c.Redis.Stream == "" {
		c.Redis.Stream = defaultRedisStream
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}

	routes := make([]RouteConfig, 0, len(c.Routes))
	for _, r := range c.Routes {
		r.Prefix = strings.TrimSpace(r.Prefix)
		r.Target = strings.TrimRight(strings.TrimSpace(r.Target), "/")
		if r.Prefix == "" && r.Target == "" {
			continue
		}
		if r.Prefix != "" && !strings.HasPrefix(r.Prefix, "/") {
			r.Prefix = "/" + r.Prefix
		}
		if len(r.Prefix) > 1 {
			r.Prefix = strings.TrimRight(r.Prefix, "/")
		}
		routes = append(routes, r)
	}
	sort.SliceStable(routes, func(i, j int) bool { return routes[i].Prefix < routes[j].Prefix })
	c.Routes = routes
}

func (c *ServerConfig) Validate() error {
	if c.BackendURL == "" && len(c.Routes) == 0 {
		return errors.New("either backend_url or at least one route is required")
	}
	if c.BackendURL != "" {
		if err := validateTargetURL(c.BackendURL); err != nil {
			return fmt.Errorf("backend_url: %w", err)
		}
	}
	seen := map[string]struct{}{}
	for _, r := range c.Routes {
		if r.Prefix == "" || r.Prefix == "/" {
			return fmt.Errorf("route prefix %q must name a path segment", r.Prefix)
		}
		if _, ok := seen[r.Prefix]; ok {
			return fmt.Errorf("duplicate route prefix %q", r.Prefix)
		}
		seen[r.Prefix] = struct{}{}
		if isReservedPrefix(r.Prefix) {
			return fmt.Errorf("route prefix %q collides with a built-in endpoint", r.Prefix)
		}
		if err := validateTargetURL(r.Target); err != nil {
			return fmt.Errorf("route %q target: %w", r.Prefix, err)
		}
	}
	if c.MaxCaptureBytes < 1024 {
		return errors.New("max_capture_bytes must be >= 1024")
	}
	switch c.UsageStore.Driver {
	case UsageStoreNone:
	case UsageStoreSegments, UsageStoreSQLite:
		if c.UsageStore.Path == "" {
			return fmt.Errorf("usage_store.path is required for driver %q", c.UsageStore.Driver)
		}
	default:
		return errors.New("usage_store.driver must be one of none, segments, sqlite")
	}
	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			return fmt.Errorf("redis.url: %w", err)
		}
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// Paths served by the proxy itself.
var reservedPrefixes = []string{"/healthz", "/logs", "/admin"}

func isReservedPrefix(prefix string) bool {
	for _, p := range reservedPrefixes {
		if prefix == p || strings.HasPrefix(prefix, p+"/") {
			return true
		}
	}
	return false
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required, got %q", raw)
	}
	return nil
}
