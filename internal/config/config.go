package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	WordPress WordPressConfig `yaml:"wordpress"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Bulk      BulkConfig      `yaml:"bulk"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Paths     PathsConfig     `yaml:"paths"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
}

type WordPressConfig struct {
	SiteURL           string        `yaml:"site_url"`
	Username          string        `yaml:"username"`
	Credential        string        `yaml:"credential"`
	Timeout           time.Duration `yaml:"timeout"`
	ListTimeout       time.Duration `yaml:"list_timeout"`
	PerPage           int           `yaml:"per_page"`
	FetchWorkers      int           `yaml:"fetch_workers"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// MySQLConfig describes the WordPress database used by the direct store.
type MySQLConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	DBName      string `yaml:"dbname"`
	TablePrefix string `yaml:"table_prefix"`
}

func (m MySQLConfig) Enabled() bool {
	return m.Host != "" && m.DBName != ""
}

func (m MySQLConfig) Addr() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// PostgresConfig configures the optional run-history sink.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

func (d PostgresConfig) Enabled() bool {
	return d.Host != ""
}

func (d PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

func (r RabbitMQConfig) Enabled() bool {
	return r.URL != ""
}

// EngineConfig tunes one bulk update path.
type EngineConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Workers      int           `yaml:"workers"`
	BatchDelay   time.Duration `yaml:"batch_delay"`
	ReclaimEvery int           `yaml:"reclaim_every"`
}

type BulkConfig struct {
	API    EngineConfig `yaml:"api"`
	Direct EngineConfig `yaml:"mysql"`
}

type SchedulerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	JobTimeout time.Duration `yaml:"job_timeout"`
	Store      string        `yaml:"store"` // "file" or "redis"
}

type PathsConfig struct {
	DataDir string `yaml:"data_dir"`
	LogsDir string `yaml:"logs_dir"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// Default returns a configuration with every default applied, for use
// when no config file exists.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (c *Config) setDefaults() {
	if c.WordPress.Timeout == 0 {
		c.WordPress.Timeout = 15 * time.Second
	}
	if c.WordPress.ListTimeout == 0 {
		c.WordPress.ListTimeout = 30 * time.Second
	}
	if c.WordPress.PerPage == 0 {
		c.WordPress.PerPage = 100
	}
	if c.WordPress.FetchWorkers == 0 {
		c.WordPress.FetchWorkers = 5
	}
	if c.WordPress.Retry.MaxRetries == 0 {
		c.WordPress.Retry.MaxRetries = 5
	}
	if c.WordPress.Retry.InitialBackoff == 0 {
		c.WordPress.Retry.InitialBackoff = 1 * time.Second
	}
	if c.WordPress.Retry.Multiplier == 0 {
		c.WordPress.Retry.Multiplier = 2
	}
	if c.WordPress.Retry.MaxBackoff == 0 {
		c.WordPress.Retry.MaxBackoff = 60 * time.Second
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.MySQL.TablePrefix == "" {
		c.MySQL.TablePrefix = "wp_"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Redis.Key == "" {
		c.Redis.Key = "wpmeta:scheduled_updates"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "wp_meta_updater"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "scheduled_updates"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "scheduled_update_status"
	}
	setEngineDefaults(&c.Bulk.API, EngineConfig{
		BatchSize:    5,
		Workers:      5,
		BatchDelay:   2 * time.Second,
		ReclaimEvery: 3,
	})
	setEngineDefaults(&c.Bulk.Direct, EngineConfig{
		BatchSize:    20,
		Workers:      1,
		BatchDelay:   200 * time.Millisecond,
		ReclaimEvery: 5,
	})
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 30 * time.Second
	}
	if c.Scheduler.JobTimeout == 0 {
		c.Scheduler.JobTimeout = 6 * time.Hour
	}
	if c.Scheduler.Store == "" {
		c.Scheduler.Store = "file"
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "data"
	}
	if c.Paths.LogsDir == "" {
		c.Paths.LogsDir = "logs"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func setEngineDefaults(e *EngineConfig, def EngineConfig) {
	if e.BatchSize == 0 {
		e.BatchSize = def.BatchSize
	}
	if e.Workers == 0 {
		e.Workers = def.Workers
	}
	if e.BatchDelay == 0 {
		e.BatchDelay = def.BatchDelay
	}
	if e.ReclaimEvery == 0 {
		e.ReclaimEvery = def.ReclaimEvery
	}
}

// Validate reports settings that make the tool unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.Bulk.API.BatchSize < 1 || c.Bulk.Direct.BatchSize < 1 {
		errs = append(errs, errors.New("bulk batch_size must be positive"))
	}
	if c.Bulk.API.Workers < 1 || c.Bulk.Direct.Workers < 1 {
		errs = append(errs, errors.New("bulk workers must be positive"))
	}
	if c.WordPress.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("wordpress retry max_retries must not be negative"))
	}
	switch c.Scheduler.Store {
	case "file":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("scheduler store redis requires redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown scheduler store %q", c.Scheduler.Store))
	}
	return errors.Join(errs...)
}
