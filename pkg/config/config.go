package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// Config is the supervisor daemon configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Templates  TemplatesConfig  `yaml:"templates"`
	Workers    WorkersConfig    `yaml:"workers"`
	Containerd ContainerdConfig `yaml:"containerd"`
	Sink       types.SinkConfig `yaml:"sink"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr       string          `yaml:"addr"`
	AllowedIPs []string        `yaml:"allowed_ips"`
	DeniedIPs  []string        `yaml:"denied_ips"`
	TrustProxy bool            `yaml:"trust_proxy"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits API requests per client IP; zero disables it
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
	// SecretKeyFile holds the passphrase that seals stored portal passwords.
	// Empty with no HELIOGRID_SECRET_KEY set stores them unencrypted.
	SecretKeyFile string `yaml:"secret_key_file"`
}

type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

type WorkersConfig struct {
	Dir               string        `yaml:"dir"`
	MountPath         string        `yaml:"mount_path"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`
}

type ContainerdConfig struct {
	Socket         string        `yaml:"socket"`
	Namespace      string        `yaml:"namespace"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used for every key a file leaves out
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Addr: "127.0.0.1:8080"},
		Storage:   StorageConfig{DataDir: "/var/lib/heliogrid"},
		Templates: TemplatesConfig{Dir: "/etc/heliogrid/templates"},
		Workers: WorkersConfig{
			Dir:               "/var/lib/heliogrid/workers",
			MountPath:         "/worker",
			StopTimeout:       10 * time.Second,
			ReconcileInterval: 10 * time.Second,
			HealthInterval:    30 * time.Second,
		},
		Containerd: ContainerdConfig{
			Socket:         "/run/containerd/containerd.sock",
			Namespace:      "heliogrid",
			ConnectTimeout: 5 * time.Second,
		},
		Sink: types.SinkConfig{
			URL:    "http://influxdb:8086",
			Org:    "solar",
			Bucket: "solar-bucket",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides
// and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	}
	for _, entry := range append(append([]string{}, c.Server.AllowedIPs...), c.Server.DeniedIPs...) {
		if !validIPOrCIDR(entry) {
			errs = append(errs, fmt.Errorf("server: %q is not an IP address or CIDR", entry))
		}
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Templates.Dir == "" {
		errs = append(errs, errors.New("templates.dir is required"))
	}
	if c.Workers.Dir == "" {
		errs = append(errs, errors.New("workers.dir is required"))
	}
	if !strings.HasPrefix(c.Workers.MountPath, "/") {
		errs = append(errs, errors.New("workers.mount_path must be absolute"))
	}
	if c.Workers.StopTimeout <= 0 {
		errs = append(errs, errors.New("workers.stop_timeout must be positive"))
	}
	if c.Workers.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("workers.reconcile_interval must be positive"))
	}
	if c.Workers.HealthInterval <= 0 {
		errs = append(errs, errors.New("workers.health_interval must be positive"))
	}
	if c.Containerd.Namespace == "" {
		errs = append(errs, errors.New("containerd.namespace is required"))
	}
	if c.Sink.URL == "" || c.Sink.Org == "" || c.Sink.Bucket == "" {
		errs = append(errs, errors.New("sink.url, sink.org and sink.bucket are required"))
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	if len(errs) > 0 {
		return types.ConfigError("invalid daemon config", errors.Join(errs...))
	}
	return nil
}

func validIPOrCIDR(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HELIOGRID_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("HELIOGRID_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("HELIOGRID_CONTAINERD_SOCKET"); v != "" {
		cfg.Containerd.Socket = v
	}
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.Sink.URL = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.Sink.Token = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		cfg.Sink.Org = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		cfg.Sink.Bucket = v
	}
	if v := os.Getenv("HELIOGRID_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
