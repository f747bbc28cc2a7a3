package core

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire soar configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Bus       BusConfig      `yaml:"bus"`
	Logging   LoggingConfig  `yaml:"logging"`
	Engine    EngineConfig   `yaml:"engine"`
	Store     StoreConfig    `yaml:"store"`
	Playbooks PlaybookConfig `yaml:"playbooks"`
	Executor  ExecutorConfig `yaml:"executor"`
	Reversal  ReversalConfig `yaml:"reversal"`
	Firewall  FirewallConfig `yaml:"firewall"`
	Notify    NotifyConfig   `yaml:"notify"`
	Evidence  EvidenceConfig `yaml:"evidence"`
	Ingest    IngestConfig   `yaml:"ingest"`
	Archive   ArchiveConfig  `yaml:"archive"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	JWTSecret   string   `yaml:"jwt_secret"`
	JWTIssuer   string   `yaml:"jwt_issuer"`
	CORSOrigins []string `yaml:"cors_origins"`
	RateLimit   int      `yaml:"rate_limit"` // requests per second per client IP
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	BufferSize int    `yaml:"buffer_size"`
}

// EngineConfig controls the detection worker pool.
type EngineConfig struct {
	Workers   int        `yaml:"workers"`
	QueueSize int        `yaml:"queue_size"`
	AutoClose bool       `yaml:"auto_close"`
	Lock      LockConfig `yaml:"lock"`
}

// LockConfig selects the per-key lock backend.
type LockConfig struct {
	Backend       string        `yaml:"backend"` // "local" or "redis"
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// StoreConfig selects the incident store backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // "memory" or "postgres"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// PlaybookConfig points at an optional playbook file. Empty means the built-in catalog.
type PlaybookConfig struct {
	File string `yaml:"file"`
}

// RetryPolicy bounds how often the executor re-attempts one action.
type RetryPolicy struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	VerifyBeforeRetry bool          `yaml:"verify_before_retry"`
}

// ExecutorConfig holds collaborator timeouts and per-action retry policies.
type ExecutorConfig struct {
	Timeout time.Duration          `yaml:"timeout"`
	Retries map[string]RetryPolicy `yaml:"retries"` // keyed by action type
}

// Policy returns the retry policy for an action type, falling back to "default".
func (c ExecutorConfig) Policy(action ActionType) RetryPolicy {
	if p, ok := c.Retries[string(action)]; ok {
		return p
	}
	return c.Retries["default"]
}

// ReversalConfig controls the reversal scheduler.
type ReversalConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// FirewallConfig selects the firewall backend.
type FirewallConfig struct {
	Backend string `yaml:"backend"` // "iptables", "ufw" or "none"
	Chain   string `yaml:"chain"`
	Sudo    bool   `yaml:"sudo"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	WebhookURL      string            `yaml:"webhook_url"`
	WebhookTemplate string            `yaml:"webhook_template"`
	WebhookHeaders  map[string]string `yaml:"webhook_headers"`
	RoutingKey      string            `yaml:"routing_key"`
	SMSGatewayURL   string            `yaml:"sms_gateway_url"`
	PhoneGatewayURL string            `yaml:"phone_gateway_url"`
	Recipients      []string          `yaml:"recipients"` // phone numbers for sms/phone gateways
	Email           EmailConfig       `yaml:"email"`
	CircuitBreaker  int               `yaml:"circuit_breaker_threshold"`
	CircuitPause    time.Duration     `yaml:"circuit_pause"`
	AllowPrivate    bool              `yaml:"allow_private_urls"`
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// EvidenceConfig controls local evidence archives and optional S3 offload.
type EvidenceConfig struct {
	Dir          string   `yaml:"dir"`
	LogFiles     []string `yaml:"log_files"`
	MaxFileBytes int64    `yaml:"max_file_bytes"`
	S3           S3Config `yaml:"s3"`
}

// S3Config holds evidence bucket settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	KeepLocal       bool   `yaml:"keep_local"`
}

// IngestConfig holds inbound detection transports.
type IngestConfig struct {
	DedupTTL time.Duration     `yaml:"dedup_ttl"`
	NATS     NATSIngestConfig   `yaml:"nats"`
	Kafka    KafkaIngestConfig  `yaml:"kafka"`
	Syslog   SyslogIngestConfig `yaml:"syslog"`
}

// NATSIngestConfig subscribes the engine to detections on the bus.
type NATSIngestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
	Durable string `yaml:"durable"`
}

// KafkaIngestConfig consumes detections from a Kafka topic.
type KafkaIngestConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	GroupID  string   `yaml:"group_id"`
	MinBytes int      `yaml:"min_bytes"`
	MaxBytes int      `yaml:"max_bytes"`
}

// SyslogIngestConfig accepts detections relayed as syslog lines.
type SyslogIngestConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"` // "udp", "tcp" or "both"
}

// ArchiveConfig holds incident audit archive settings.
type ArchiveConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Dir            string        `yaml:"dir"`
	RotateBytes    int64         `yaml:"rotate_bytes"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	Compress       bool          `yaml:"compress"`
}

// DefaultConfig returns a Config with sane defaults. Zero-config runs a single
// node with an in-memory store, the built-in playbooks and a dry-run firewall.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "127.0.0.1",
			Port:      1790,
			JWTIssuer: "soar",
			RateLimit: 50,
		},
		Bus: BusConfig{
			Enabled:  true,
			URL:      "nats://127.0.0.1:4223",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4223,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			BufferSize: 1000,
		},
		Engine: EngineConfig{
			Workers:   4,
			QueueSize: 1024,
			AutoClose: true,
			Lock: LockConfig{
				Backend:       "local",
				RedisAddr:     "127.0.0.1:6379",
				TTL:           2 * time.Minute,
				RetryInterval: 50 * time.Millisecond,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			Migrate:         true,
		},
		Executor: ExecutorConfig{
			Timeout: 10 * time.Second,
			Retries: map[string]RetryPolicy{
				"default": {MaxRetries: 2, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second},
				string(ActionBlockSource): {
					MaxRetries: 2, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second, VerifyBeforeRetry: true,
				},
				string(ActionIsolateTarget): {
					MaxRetries: 2, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second, VerifyBeforeRetry: true,
				},
			},
		},
		Reversal: ReversalConfig{
			RetryDelay: 30 * time.Second,
		},
		Firewall: FirewallConfig{
			Backend: "none",
			Chain:   "INPUT",
		},
		Notify: NotifyConfig{
			WebhookTemplate: "generic",
			Email:           EmailConfig{SMTPPort: 587},
			CircuitBreaker:  5,
			CircuitPause:    60 * time.Second,
		},
		Evidence: EvidenceConfig{
			Dir:          "./data/evidence",
			LogFiles:     []string{"/var/log/auth.log", "/var/log/syslog"},
			MaxFileBytes: 50 * 1024 * 1024,
			S3:           S3Config{Region: "us-east-1", Prefix: "evidence/"},
		},
		Ingest: IngestConfig{
			DedupTTL: 5 * time.Minute,
			NATS: NATSIngestConfig{
				Enabled: true,
				Subject: "sec.detections.>",
				Durable: "soar-engine-detections",
			},
			Kafka: KafkaIngestConfig{
				Topic:    "detections",
				GroupID:  "soar-engine",
				MinBytes: 1,
				MaxBytes: 10 << 20,
			},
			Syslog: SyslogIngestConfig{
				Host:     "0.0.0.0",
				Port:     1514,
				Protocol: "udp",
			},
		},
		Archive: ArchiveConfig{
			Dir:            "./data/archive",
			RotateBytes:    100 * 1024 * 1024,
			RotateInterval: time.Hour,
			Compress:       true,
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if len(c.Server.APIKeys) == 0 {
		if envKey := os.Getenv("SOAR_API_KEY"); envKey != "" {
			c.Server.APIKeys = []string{envKey}
		}
	}
	if v := os.Getenv("SOAR_JWT_SECRET"); v != "" && c.Server.JWTSecret == "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("SOAR_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("SOAR_REDIS_PASSWORD"); v != "" && c.Engine.Lock.RedisPassword == "" {
		c.Engine.Lock.RedisPassword = v
	}
	if v := os.Getenv("SOAR_SMTP_PASSWORD"); v != "" && c.Notify.Email.Password == "" {
		c.Notify.Email.Password = v
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be positive"))
	}
	if c.Engine.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.queue_size must be positive"))
	}
	switch c.Engine.Lock.Backend {
	case "local", "":
	case "redis":
		if c.Engine.Lock.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("engine.lock.redis_addr is required for the redis lock backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.lock.backend %q unknown (local, redis)", c.Engine.Lock.Backend))
	}
	switch c.Store.Driver {
	case "memory", "":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for the postgres driver (or set SOAR_STORE_DSN)"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q unknown (memory, postgres)", c.Store.Driver))
	}
	switch c.Firewall.Backend {
	case "iptables", "ufw", "none":
	default:
		errs = append(errs, fmt.Errorf("firewall.backend %q unknown (iptables, ufw, none)", c.Firewall.Backend))
	}
	if c.Executor.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("executor.timeout must be positive"))
	}
	for name, p := range c.Executor.Retries {
		if p.MaxRetries < 0 || p.InitialBackoff < 0 || p.MaxBackoff < 0 {
			errs = append(errs, fmt.Errorf("executor.retries.%s: negative values", name))
		}
	}
	if c.Evidence.S3.Enabled && c.Evidence.S3.Bucket == "" {
		errs = append(errs, fmt.Errorf("evidence.s3.bucket is required when s3 is enabled"))
	}
	if c.Ingest.Kafka.Enabled && (len(c.Ingest.Kafka.Brokers) == 0 || c.Ingest.Kafka.Topic == "") {
		errs = append(errs, fmt.Errorf("ingest.kafka needs brokers and a topic"))
	}
	if c.Ingest.Syslog.Enabled {
		switch strings.ToLower(c.Ingest.Syslog.Protocol) {
		case "udp", "tcp", "both":
		default:
			errs = append(errs, fmt.Errorf("ingest.syslog.protocol %q unknown (udp, tcp, both)", c.Ingest.Syslog.Protocol))
		}
		if c.Ingest.Syslog.Port <= 0 || c.Ingest.Syslog.Port > 65535 {
			errs = append(errs, fmt.Errorf("ingest.syslog.port %d out of range", c.Ingest.Syslog.Port))
		}
	}
	if c.Ingest.NATS.Enabled && !c.Bus.Enabled {
		errs = append(errs, fmt.Errorf("ingest.nats requires bus.enabled"))
	}
	return errors.Join(errs...)
}

// LogLevel returns the lowercased log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key or JWT authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0 || c.Server.JWTSecret != ""
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe to serve over the API.
func (c *Config) Redacted() Config {
	safe := *c
	safe.Server.APIKeys = nil
	safe.Server.JWTSecret = ""
	safe.Store.DSN = ""
	safe.Engine.Lock.RedisPassword = ""
	safe.Notify.Email.Password = ""
	safe.Notify.RoutingKey = ""
	safe.Evidence.S3.AccessKeyID = ""
	safe.Evidence.S3.SecretAccessKey = ""
	return safe
}
