package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Transform TransformConfig `mapstructure:"transform"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Upload    UploadConfig    `mapstructure:"upload"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path + "?_busy_timeout=5000"
}

type StorageConfig struct {
	Type      string `mapstructure:"type"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

// QueueConfig holds the default retry policy and lease settings of the job queue.
type QueueConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

type WorkerConfig struct {
	Size       int           `mapstructure:"size"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
	Embedded   bool          `mapstructure:"embedded"`
}

type TransformConfig struct {
	MaxWidth     int           `mapstructure:"max_width"`
	MaxHeight    int           `mapstructure:"max_height"`
	Quality      int           `mapstructure:"quality"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
	MaxPixels    int64         `mapstructure:"max_pixels"`
}

type NotifierConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// PipelineConfig selects what a dead-lettered image does to its batch:
// "fail_batch" fails the whole batch, "partial" records the image and carries on.
type PipelineConfig struct {
	FailurePolicy string `mapstructure:"failure_policy"`
}

type UploadConfig struct {
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment knobs are usually injected as plain env vars
	v.BindEnv("server.port", "PORT")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	v.BindEnv("worker.size", "WORKER_CONCURRENCY")
	v.BindEnv("pipeline.failure_policy", "FAILURE_POLICY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/imgbatch.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "image-processor")
	v.SetDefault("storage.prefix", "image-processor")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_delay", time.Second)
	v.SetDefault("queue.multiplier", 2.0)
	v.SetDefault("queue.max_delay", 30*time.Second)
	v.SetDefault("queue.visibility_timeout", 2*time.Minute)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("worker.size", 5)
	v.SetDefault("worker.job_timeout", 45*time.Second)
	v.SetDefault("worker.embedded", true)
	v.SetDefault("transform.max_width", 800)
	v.SetDefault("transform.max_height", 800)
	v.SetDefault("transform.quality", 80)
	v.SetDefault("transform.fetch_timeout", 10*time.Second)
	v.SetDefault("transform.max_bytes", 25<<20)
	v.SetDefault("transform.max_pixels", 268402689)
	v.SetDefault("notifier.timeout", 5*time.Second)
	v.SetDefault("pipeline.failure_policy", "fail_batch")
	v.SetDefault("upload.max_file_size", 10<<20)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Worker.Size < 1 {
		return fmt.Errorf("worker.size must be at least 1, got %d", c.Worker.Size)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.Multiplier < 1 {
		return fmt.Errorf("queue.multiplier must be >= 1, got %v", c.Queue.Multiplier)
	}
	// the lease covers the job and the completion webhook sent before the ack
	if held := c.Worker.JobTimeout + c.Notifier.Timeout; c.Queue.VisibilityTimeout <= held {
		return fmt.Errorf("queue.visibility_timeout (%s) must exceed worker.job_timeout + notifier.timeout (%s)",
			c.Queue.VisibilityTimeout, held)
	}
	switch c.Pipeline.FailurePolicy {
	case "fail_batch", "partial":
	default:
		return fmt.Errorf("pipeline.failure_policy must be fail_batch or partial, got %q", c.Pipeline.FailurePolicy)
	}
	return nil
}
