package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for env prefixes and config paths.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the jobvault identity.
func DefaultIdentity() *Identity {
	return &Identity{BinaryName: "jobvault", EnvPrefix: "JOBVAULT", ConfigName: "jobvault"}
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetIdentity replaces the identity used by Load. Nil restores the default.
func SetIdentity(id *Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// SetConfigFile makes Load read path instead of searching for a config file.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the effective config. Precedence, highest first: runtime
// overrides, environment, config file, defaults.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	applyDefaults(v, appIdentity)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(filepath.Join("/etc", appIdentity.ConfigName))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// appDataDir is the default root for local state.
func appDataDir(id *Identity) string {
	return gfconfig.GetAppDataDir(id.ConfigName)
}

func applyDefaults(v *viper.Viper, id *Identity) {
	dataDir := appDataDir(id)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.use_imds_region", false)

	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.path", filepath.Join(dataDir, "jobvault.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.table", "jobvault-jobs")
	v.SetDefault("store.user_index", "user_id_index")
	v.SetDefault("store.archive_index", "result_archive_id_index")
	v.SetDefault("store.create_table", false)

	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.root", filepath.Join(dataDir, "blobs"))
	v.SetDefault("storage.inputs_bucket", "jobvault-inputs")
	v.SetDefault("storage.results_bucket", "jobvault-results")
	v.SetDefault("storage.force_path_style", false)

	v.SetDefault("archive.backend", BackendMemory)
	v.SetDefault("archive.vault", "jobvault-results")
	v.SetDefault("archive.account_id", "-")
	v.SetDefault("archive.notification_topic", "jobvault-thaw")
	v.SetDefault("archive.max_memory_bytes", 64<<20)

	v.SetDefault("queues.backend", BackendMemory)
	v.SetDefault("queues.requests", "jobvault-requests")
	v.SetDefault("queues.results", "jobvault-results")
	v.SetDefault("queues.archive", "jobvault-archive")
	v.SetDefault("queues.restore", "jobvault-restore")
	v.SetDefault("queues.thaw", "jobvault-thaw")
	v.SetDefault("queues.dead_letter", "")
	v.SetDefault("queues.visibility_timeout", "5m")

	v.SetDefault("topics.backend", BackendMemory)
	v.SetDefault("topics.requests", "jobvault-requests")
	v.SetDefault("topics.results", "jobvault-results")
	v.SetDefault("topics.archive", "jobvault-archive")
	v.SetDefault("topics.restore", "jobvault-restore")

	v.SetDefault("consumer.batch_size", 10)
	v.SetDefault("consumer.wait_time", "20s")
	v.SetDefault("consumer.max_receives", 5)
	v.SetDefault("consumer.handler_timeout", "10m")

	v.SetDefault("staging.dir", filepath.Join(dataDir, "staging"))

	v.SetDefault("execution.command", []string{})
	v.SetDefault("execution.launcher", LauncherProcess)
	v.SetDefault("execution.result_suffix", "annot")
	v.SetDefault("execution.log_suffix", ".count.log")

	v.SetDefault("policy.archive_roles", []string{"free_user"})
	v.SetDefault("policy.free_access_window", "5m")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", "1m")
	v.SetDefault("reconcile.running_grace", "30m")
	v.SetDefault("reconcile.pending_grace", "5m")
	v.SetDefault("reconcile.max_attempts", 3)

	v.SetDefault("restore.rate_per_second", 10.0)
	v.SetDefault("restore.burst", 10)

	v.SetDefault("inputs.key_prefix", id.ConfigName)
	v.SetDefault("inputs.allowed_patterns", []string{})
}

// EnvSpec maps an environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// envPaths lists every env-addressable setting. Short aliases come first.
var envPaths = []struct{ suffix, path string }{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"METRICS_PORT", "metrics.port"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"WORKERS", "workers"},

	{"AWS_REGION", "aws.region"},
	{"AWS_PROFILE", "aws.profile"},
	{"AWS_ENDPOINT", "aws.endpoint"},
	{"AWS_ACCESS_KEY_ID", "aws.access_key_id"},
	{"AWS_SECRET_ACCESS_KEY", "aws.secret_access_key"},
	{"AWS_USE_IMDS_REGION", "aws.use_imds_region"},

	{"STORE_BACKEND", "store.backend"},
	{"STORE_PATH", "store.path"},
	{"STORE_URL", "store.url"},
	{"STORE_AUTH_TOKEN", "store.auth_token"},
	{"STORE_TABLE", "store.table"},
	{"STORE_CREATE_TABLE", "store.create_table"},

	{"STORAGE_BACKEND", "storage.backend"},
	{"STORAGE_ROOT", "storage.root"},
	{"INPUTS_BUCKET", "storage.inputs_bucket"},
	{"RESULTS_BUCKET", "storage.results_bucket"},
	{"STORAGE_FORCE_PATH_STYLE", "storage.force_path_style"},

	{"ARCHIVE_BACKEND", "archive.backend"},
	{"ARCHIVE_VAULT", "archive.vault"},
	{"ARCHIVE_NOTIFICATION_TOPIC", "archive.notification_topic"},

	{"QUEUES_BACKEND", "queues.backend"},
	{"QUEUE_REQUESTS", "queues.requests"},
	{"QUEUE_RESULTS", "queues.results"},
	{"QUEUE_ARCHIVE", "queues.archive"},
	{"QUEUE_RESTORE", "queues.restore"},
	{"QUEUE_THAW", "queues.thaw"},
	{"QUEUE_DEAD_LETTER", "queues.dead_letter"},

	{"TOPICS_BACKEND", "topics.backend"},
	{"TOPIC_REQUESTS", "topics.requests"},
	{"TOPIC_RESULTS", "topics.results"},
	{"TOPIC_ARCHIVE", "topics.archive"},
	{"TOPIC_RESTORE", "topics.restore"},

	{"MAX_RECEIVES", "consumer.max_receives"},
	{"STAGING_DIR", "staging.dir"},
	{"EXECUTION_COMMAND", "execution.command"},
	{"EXECUTION_LAUNCHER", "execution.launcher"},
	{"ARCHIVE_ROLES", "policy.archive_roles"},
	{"FREE_ACCESS_WINDOW", "policy.free_access_window"},
	{"RECONCILE_ENABLED", "reconcile.enabled"},
	{"ALLOWED_PATTERNS", "inputs.allowed_patterns"},
}

func getEnvSpecs() []EnvSpec {
	if appIdentity == nil || appIdentity.EnvPrefix == "" {
		return []EnvSpec{}
	}
	prefix := strings.ToUpper(strings.TrimSuffix(appIdentity.EnvPrefix, "_")) + "_"
	specs := make([]EnvSpec, 0, len(envPaths))
	for _, p := range envPaths {
		specs = append(specs, EnvSpec{Name: prefix + p.suffix, Path: p.path})
	}
	return specs
}

func getUserConfigPaths() []string {
	if appIdentity == nil || appIdentity.ConfigName == "" {
		return []string{}
	}
	var paths []string
	seen := make(map[string]bool)
	add := func(dir string) {
		if dir == "" || seen[dir] {
			return
		}
		seen[dir] = true
		paths = append(paths, dir)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		add(filepath.Join(dir, appIdentity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		add(filepath.Join(home, ".config", appIdentity.ConfigName))
	}
	return paths
}

// ciBoundaryVars hold the workspace root on common CI systems.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod or a config file. On CI the walk stops at the
// workspace boundary. Without a marker the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	boundary := ""
	if isCI() {
		for _, name := range ciBoundaryVars {
			if b := ciBoundary(os.Getenv(name), cwd); b != "" {
				boundary = b
				break
			}
		}
	}

	markers := []string{"go.mod"}
	if appIdentity != nil && appIdentity.ConfigName != "" {
		markers = append(markers, appIdentity.ConfigName+".yaml")
	}

	dir := cwd
	for {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, nil
			}
		}
		if dir == boundary {
			return boundary, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func isCI() bool {
	return strings.EqualFold(os.Getenv("CI"), "true") || strings.EqualFold(os.Getenv("GITHUB_ACTIONS"), "true")
}

// ciBoundary returns dir when it is an existing absolute directory that
// contains cwd.
func ciBoundary(dir, cwd string) string {
	if dir == "" || !filepath.IsAbs(dir) {
		return ""
	}
	dir = filepath.Clean(dir)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ""
	}
	rel, err := filepath.Rel(dir, cwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return dir
}
