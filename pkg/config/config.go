package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Listen           string `yaml:"listen"`
	LoginRateLimit   int    `yaml:"login_rate_limit"`
	LoginRateWindowS int    `yaml:"login_rate_window_s"`
}

type AuthConfig struct {
	TokenLifetimeS    int     `yaml:"token_lifetime_s"`
	TrustThreshold    float64 `yaml:"trust_threshold"`
	TrustDecayPerMin  float64 `yaml:"trust_decay_per_min"`
	AnomalyPenalty    float64 `yaml:"anomaly_penalty"`
	AnomalyThreshold  float64 `yaml:"anomaly_threshold"`
	SigningSecret     string  `yaml:"signing_secret"`
	SigningSecretFile string  `yaml:"signing_secret_file"`
	SecretSalt        string  `yaml:"secret_salt"`
	// DeviceSecrets seeds the static secret registry. Empty means any
	// non-empty device key is accepted (the registry is external).
	DeviceSecrets map[string]string `yaml:"device_secrets"`
}

type SegmentationConfig struct {
	PolicyFile    string `yaml:"policy_file"`
	TrafficLogCap int    `yaml:"traffic_log_cap"`
	RestoreZone   string `yaml:"restore_zone"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:           ":8443",
			LoginRateLimit:   10,
			LoginRateWindowS: 60,
		},
		Auth: AuthConfig{
			TokenLifetimeS:   300,
			TrustThreshold:   70,
			TrustDecayPerMin: 0.1,
			AnomalyPenalty:   20,
			AnomalyThreshold: 0.5,
		},
		Segmentation: SegmentationConfig{
			TrafficLogCap: 1000,
			RestoreZone:   "iot_untrusted",
		},
		Database: DatabaseConfig{
			Path: "microseg.db",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file with env var overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if listen := os.Getenv("MICROSEG_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if dbPath := os.Getenv("MICROSEG_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if secret := os.Getenv("MICROSEG_SIGNING_SECRET"); secret != "" {
		cfg.Auth.SigningSecret = secret
	}
	if secretFile := os.Getenv("MICROSEG_SIGNING_SECRET_FILE"); secretFile != "" {
		cfg.Auth.SigningSecretFile = secretFile
	}
	if level := os.Getenv("MICROSEG_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

// SigningSecretBytes resolves the token signing secret, preferring the file.
// Returns nil when neither is configured; the authenticator then generates
// node-local material.
func (c *Config) SigningSecretBytes() ([]byte, error) {
	if c.Auth.SigningSecretFile != "" {
		return os.ReadFile(c.Auth.SigningSecretFile)
	}
	if c.Auth.SigningSecret != "" {
		return []byte(c.Auth.SigningSecret), nil
	}
	return nil, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return ErrMissingListen
	}
	if c.Auth.TokenLifetimeS <= 0 {
		return ErrInvalidTokenLifetime
	}
	if c.Auth.TrustThreshold <= 0 || c.Auth.TrustThreshold > 100 {
		return &Error{"trust threshold must be in (0,100]"}
	}
	if c.Auth.AnomalyThreshold <= 0 || c.Auth.AnomalyThreshold >= 1 {
		return &Error{"anomaly threshold must be in (0,1)"}
	}
	if c.Segmentation.TrafficLogCap <= 0 {
		return &Error{"traffic log cap must be positive"}
	}
	if c.Server.LoginRateLimit < 0 {
		return &Error{"login rate limit must not be negative"}
	}
	// limit 0 disables rate limiting, so the window only matters with a limit.
	if c.Server.LoginRateLimit > 0 && c.Server.LoginRateWindowS <= 0 {
		return &Error{"login rate window must be positive"}
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		return &Error{"trace sample ratio must be in (0,1]"}
	}
	return nil
}

var (
	ErrMissingListen        = &Error{"listen address is required"}
	ErrInvalidTokenLifetime = &Error{"token lifetime must be positive"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
