package config

import (
	"time"
)

type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	API       APIConfig       `mapstructure:"api"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type SchedulerConfig struct {
	// Workers is the number of polling workers, which is also the global
	// cap on concurrently running jobs (each worker drives one job).
	Workers           int           `mapstructure:"workers"`
	QueuePollInterval time.Duration `mapstructure:"queue_poll_interval"`
	// FanOutLimit bounds how many adapters a single job runs concurrently.
	// Zero means "as many as the job type requires".
	FanOutLimit    int           `mapstructure:"fan_out_limit"`
	AdapterTimeout time.Duration `mapstructure:"adapter_timeout"`
	// MaxRetries bounds per-adapter retries of transient failures within
	// one job execution.
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// CancelGrace is how long finalize waits for in-flight adapters after
	// a cancellation request before abandoning the execution.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	ExporterType string  `mapstructure:"exporter_type"`
	Endpoint     string  `mapstructure:"endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
	MinDelay          time.Duration `mapstructure:"min_delay"`
}

type ToolsConfig struct {
	DNS    DNSConfig    `mapstructure:"dns"`
	Naabu  NaabuConfig  `mapstructure:"naabu"`
	HTTPX  HTTPXConfig  `mapstructure:"httpx"`
	CrtSh  CrtShConfig  `mapstructure:"crtsh"`
	Nuclei NucleiConfig `mapstructure:"nuclei"`
}

type DNSConfig struct {
	Resolver string        `mapstructure:"resolver"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type NaabuConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	TopPorts   int           `mapstructure:"top_ports"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type HTTPXConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	Threads    int           `mapstructure:"threads"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type CrtShConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type NucleiConfig struct {
	BinaryPath    string        `mapstructure:"binary_path"`
	TemplatesPath string        `mapstructure:"templates_path"`
	RateLimit     int           `mapstructure:"rate_limit"`
	BulkSize      int           `mapstructure:"bulk_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type APIConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}
