// Package config loads jobvault configuration from defaults, config files,
// environment variables and runtime overrides.
package config

import (
	"time"
)

// Config is the effective jobvault configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Health  HealthConfig  `mapstructure:"health" yaml:"health"`
	Debug   DebugConfig   `mapstructure:"debug" yaml:"debug"`

	// Workers is the default consumer concurrency.
	Workers int `mapstructure:"workers" yaml:"workers"`

	AWS       AWSConfig       `mapstructure:"aws" yaml:"aws"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Queues    QueuesConfig    `mapstructure:"queues" yaml:"queues"`
	Topics    TopicsConfig    `mapstructure:"topics" yaml:"topics"`
	Consumer  ConsumerConfig  `mapstructure:"consumer" yaml:"consumer"`
	Staging   StagingConfig   `mapstructure:"staging" yaml:"staging"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Restore   RestoreConfig   `mapstructure:"restore" yaml:"restore"`
	Inputs    InputsConfig    `mapstructure:"inputs" yaml:"inputs"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile" yaml:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

// AWSConfig is shared by every AWS-backed component.
type AWSConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Profile         string `mapstructure:"profile" yaml:"profile"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
	UseIMDSRegion   bool   `mapstructure:"use_imds_region" yaml:"use_imds_region"`
}

// Backend names.
const (
	BackendMemory  = "memory"
	BackendSQLite  = "sqlite"
	BackendDynamo  = "dynamodb"
	BackendFile    = "file"
	BackendS3      = "s3"
	BackendSQS     = "sqs"
	BackendSNS     = "sns"
	BackendGlacier = "glacier"
)

// StoreConfig selects the job store.
type StoreConfig struct {
	// Backend is memory, sqlite or dynamodb.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`
	// URL is a libsql URL; it takes precedence over Path.
	URL       string `mapstructure:"url" yaml:"url"`
	AuthToken string `mapstructure:"auth_token" yaml:"-"`

	Table        string `mapstructure:"table" yaml:"table"`
	UserIndex    string `mapstructure:"user_index" yaml:"user_index"`
	ArchiveIndex string `mapstructure:"archive_index" yaml:"archive_index"`
	// CreateTable creates the DynamoDB table when it is missing.
	CreateTable bool `mapstructure:"create_table" yaml:"create_table"`
}

// StorageConfig selects the hot tier.
type StorageConfig struct {
	// Backend is file or s3.
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Root is the directory that holds one subdirectory per bucket for the
	// file backend.
	Root           string `mapstructure:"root" yaml:"root"`
	InputsBucket   string `mapstructure:"inputs_bucket" yaml:"inputs_bucket"`
	ResultsBucket  string `mapstructure:"results_bucket" yaml:"results_bucket"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// ArchiveConfig selects the cold tier.
type ArchiveConfig struct {
	// Backend is memory or glacier.
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Vault     string `mapstructure:"vault" yaml:"vault"`
	AccountID string `mapstructure:"account_id" yaml:"account_id"`
	// NotificationTopic receives retrieval completion notices.
	NotificationTopic string `mapstructure:"notification_topic" yaml:"notification_topic"`
	// MaxMemoryBytes is the largest object buffered in memory during
	// archive and thaw; larger objects spool to disk.
	MaxMemoryBytes int64 `mapstructure:"max_memory_bytes" yaml:"max_memory_bytes"`
}

// QueuesConfig names the durable queues. For sqs these are queue names or
// URLs.
type QueuesConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"`
	Requests          string        `mapstructure:"requests" yaml:"requests"`
	Results           string        `mapstructure:"results" yaml:"results"`
	Archive           string        `mapstructure:"archive" yaml:"archive"`
	Restore           string        `mapstructure:"restore" yaml:"restore"`
	Thaw              string        `mapstructure:"thaw" yaml:"thaw"`
	DeadLetter        string        `mapstructure:"dead_letter" yaml:"dead_letter"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
}

// TopicsConfig names the notification topics. For sns these are topic ARNs.
type TopicsConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Requests string `mapstructure:"requests" yaml:"requests"`
	Results  string `mapstructure:"results" yaml:"results"`
	Archive  string `mapstructure:"archive" yaml:"archive"`
	Restore  string `mapstructure:"restore" yaml:"restore"`
}

type ConsumerConfig struct {
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	WaitTime       time.Duration `mapstructure:"wait_time" yaml:"wait_time"`
	MaxReceives    int           `mapstructure:"max_receives" yaml:"max_receives"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
}

type StagingConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ExecutionConfig configures the opaque computation.
type ExecutionConfig struct {
	// Command is run with the staged input path appended.
	Command []string `mapstructure:"command" yaml:"command"`
	// Launcher is process (managed child) or inprocess.
	Launcher     string `mapstructure:"launcher" yaml:"launcher"`
	ResultSuffix string `mapstructure:"result_suffix" yaml:"result_suffix"`
	LogSuffix    string `mapstructure:"log_suffix" yaml:"log_suffix"`
}

// Launcher names.
const (
	LauncherProcess   = "process"
	LauncherInProcess = "inprocess"
)

type PolicyConfig struct {
	ArchiveRoles     []string      `mapstructure:"archive_roles" yaml:"archive_roles"`
	FreeAccessWindow time.Duration `mapstructure:"free_access_window" yaml:"free_access_window"`
}

type ReconcileConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	RunningGrace time.Duration `mapstructure:"running_grace" yaml:"running_grace"`
	PendingGrace time.Duration `mapstructure:"pending_grace" yaml:"pending_grace"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// RestoreConfig paces retrieval requests against the cold tier.
type RestoreConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

type InputsConfig struct {
	// KeyPrefix is prepended to generated input keys.
	KeyPrefix       string   `mapstructure:"key_prefix" yaml:"key_prefix"`
	AllowedPatterns []string `mapstructure:"allowed_patterns" yaml:"allowed_patterns"`
}
