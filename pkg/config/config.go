package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every tuning knob of the orchestration core. Values left
// zero in the YAML file fall back to the defaults below.
type Config struct {
	// DataDir holds the bbolt databases (state and queues).
	DataDir string `yaml:"dataDir"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listenAddr"`

	// CryptoServiceURL is the base URL of the external crypto microservice.
	CryptoServiceURL string `yaml:"cryptoServiceURL"`

	// AuditSinkURL is the append-only audit log endpoint. Empty disables
	// remote audit emission (events are still logged locally).
	AuditSinkURL string `yaml:"auditSinkURL"`

	// ChunkSize is the number of cast ballots per chunk.
	ChunkSize int `yaml:"chunkSize"`

	// TickInterval is the scheduler dispatch cadence.
	TickInterval time.Duration `yaml:"tickInterval"`

	// MaxRetries is the per-chunk retry budget before permanent failure.
	MaxRetries int `yaml:"maxRetries"`

	// RetryBackoffs are the delays before the 1st, 2nd, ... retry.
	RetryBackoffs []time.Duration `yaml:"retryBackoffs"`

	// WorkerConcurrency is the number of consumers per queue (4-10).
	WorkerConcurrency int `yaml:"workerConcurrency"`

	// HTTP connection pool for the crypto service.
	PoolMaxTotal       int           `yaml:"poolMaxTotal"`
	PoolMaxPerHost     int           `yaml:"poolMaxPerHost"`
	ConnTTL            time.Duration `yaml:"connTTL"`
	IdleValidation     time.Duration `yaml:"idleValidation"`
	AcquireTimeout     time.Duration `yaml:"acquireTimeout"`
	ResponseTimeout    time.Duration `yaml:"responseTimeout"`

	// Queue settings.
	QueueTTL       time.Duration `yaml:"queueTTL"`
	QueueMaxLength int           `yaml:"queueMaxLength"`

	// Logging.
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`
}

// Default returns the configuration with every knob at its documented
// default.
func Default() *Config {
	return &Config{
		DataDir:           "/var/lib/tally",
		ListenAddr:        ":8080",
		CryptoServiceURL:  "http://localhost:9090",
		ChunkSize:         5000,
		TickInterval:      100 * time.Millisecond,
		MaxRetries:        3,
		RetryBackoffs:     []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
		WorkerConcurrency: 6,
		PoolMaxTotal:      200,
		PoolMaxPerHost:    100,
		ConnTTL:           2 * time.Minute,
		IdleValidation:    10 * time.Second,
		AcquireTimeout:    30 * time.Second,
		ResponseTimeout:   10 * time.Minute,
		QueueTTL:          time.Hour,
		QueueMaxLength:    100000,
		LogLevel:          "info",
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would violate the core's operating
// contract.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errors.New("chunkSize must be positive")
	}
	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 10 {
		return errors.New("workerConcurrency must be between 1 and 10")
	}
	if c.MaxRetries < 0 {
		return errors.New("maxRetries must not be negative")
	}
	if len(c.RetryBackoffs) < c.MaxRetries {
		return errors.New("retryBackoffs must cover maxRetries attempts")
	}
	if c.PoolMaxPerHost > c.PoolMaxTotal {
		return errors.New("poolMaxPerHost must not exceed poolMaxTotal")
	}
	return nil
}
