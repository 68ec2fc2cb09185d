package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "go.mod not found above the test directory")
		dir = parent
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 4, cfg.Workers)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, BackendMemory, cfg.Queues.Backend)
	assert.Equal(t, BackendMemory, cfg.Archive.Backend)
	assert.Equal(t, "jobvault-thaw", cfg.Archive.NotificationTopic)
	assert.Equal(t, 5, cfg.Consumer.MaxReceives)
	assert.Equal(t, []string{"free_user"}, cfg.Policy.ArchiveRoles)
	assert.Equal(t, 5*time.Minute, cfg.Policy.FreeAccessWindow)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.RunningGrace)
	assert.Equal(t, LauncherProcess, cfg.Execution.Launcher)
	assert.Equal(t, ".count.log", cfg.Execution.LogSuffix)
	assert.NotEmpty(t, cfg.Staging.Dir)
	assert.Same(t, cfg, GetConfig())
}

func TestLoad_Precedence(t *testing.T) {
	tests := []struct {
		name      string
		env       map[string]string
		overrides map[string]any
		check     func(t *testing.T, cfg *Config)
	}{
		{
			name:      "override",
			overrides: map[string]any{"server": map[string]any{"port": 9000, "host": "0.0.0.0"}},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, 9090, cfg.Metrics.Port)
			},
		},
		{
			name:      "flat override key",
			overrides: map[string]any{"logging.level": "debug"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Logging.Level)
			},
		},
		{
			name: "env",
			env: map[string]string{
				"JOBVAULT_PORT":             "3000",
				"JOBVAULT_LOG_LEVEL":        "warn",
				"JOBVAULT_METRICS_ENABLED":  "false",
				"JOBVAULT_READ_TIMEOUT":     "45s",
				"JOBVAULT_SHUTDOWN_TIMEOUT": "5m",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3000, cfg.Server.Port)
				assert.Equal(t, "warn", cfg.Logging.Level)
				assert.False(t, cfg.Metrics.Enabled)
				assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
			},
		},
		{
			name:      "override beats env",
			env:       map[string]string{"JOBVAULT_PORT": "4000"},
			overrides: map[string]any{"server": map[string]any{"port": 5000}},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5000, cfg.Server.Port)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			var overrides []map[string]any
			if tt.overrides != nil {
				overrides = append(overrides, tt.overrides)
			}
			cfg, err := Load(context.Background(), overrides...)
			require.NoError(t, err)
			tt.check(t, cfg)
			assert.Same(t, cfg, GetConfig())
		})
	}
}

func TestLoad_CIBoundaryHint(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CI", "true")
	t.Setenv("FULMEN_WORKSPACE_ROOT", repoRoot(t))

	_, err := Load(context.Background())
	require.NoError(t, err)
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.Len(t, specs, len(envPaths))

	byName := make(map[string]string, len(specs))
	for _, s := range specs {
		assert.NotEmpty(t, s.Path)
		byName[s.Name] = s.Path
	}
	for name, path := range map[string]string{
		"JOBVAULT_PORT":              "server.port",
		"JOBVAULT_LOG_LEVEL":         "logging.level",
		"JOBVAULT_STORE_BACKEND":     "store.backend",
		"JOBVAULT_QUEUE_THAW":        "queues.thaw",
		"JOBVAULT_ARCHIVE_ROLES":     "policy.archive_roles",
		"JOBVAULT_AWS_ENDPOINT":      "aws.endpoint",
		"JOBVAULT_STAGING_DIR":       "staging.dir",
		"JOBVAULT_RECONCILE_ENABLED": "reconcile.enabled",
	} {
		assert.Equal(t, path, byName[name], name)
	}
}

func TestNilIdentity(t *testing.T) {
	configMu.Lock()
	appIdentity = nil
	configMu.Unlock()
	t.Cleanup(func() { _, _ = Load(context.Background()) })

	assert.Empty(t, getEnvSpecs())
	assert.Empty(t, getUserConfigPaths())
}

func TestFindProjectRoot_CIBoundary(t *testing.T) {
	root := repoRoot(t)

	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "empty boundary vars", env: map[string]string{"CI": "true", "FULMEN_WORKSPACE_ROOT": "", "GITHUB_WORKSPACE": "", "CI_PROJECT_DIR": "", "WORKSPACE": ""}},
		{name: "relative boundary", env: map[string]string{"CI": "true", "FULMEN_WORKSPACE_ROOT": "./relative/path"}},
		{name: "missing boundary", env: map[string]string{"CI": "true", "FULMEN_WORKSPACE_ROOT": "/nonexistent/jobvault/root"}},
		{name: "boundary outside cwd", env: map[string]string{"CI": "true", "FULMEN_WORKSPACE_ROOT": t.TempDir()}},
		{name: "github actions", env: map[string]string{"GITHUB_ACTIONS": "true", "GITHUB_WORKSPACE": root}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := findProjectRoot()
			require.NoError(t, err)
			assert.Equal(t, root, got, "go.mod marks the root")
		})
	}
}

func TestLoad_PipelineEnvOverrides(t *testing.T) {
	t.Setenv("JOBVAULT_STORE_BACKEND", "DynamoDB")
	t.Setenv("JOBVAULT_EXECUTION_COMMAND", "/usr/bin/annotate,--fast")
	t.Setenv("JOBVAULT_ARCHIVE_ROLES", "free_user, trial_user")
	t.Setenv("JOBVAULT_FREE_ACCESS_WINDOW", "90s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, BackendDynamo, cfg.Store.Backend)
	assert.Equal(t, []string{"/usr/bin/annotate", "--fast"}, cfg.Execution.Command)
	assert.Equal(t, []string{"free_user", "trial_user"}, cfg.Policy.ArchiveRoles)
	assert.Equal(t, 90*time.Second, cfg.Policy.FreeAccessWindow)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
queues:
  backend: sqs
  dead_letter: jobvault-dlq
inputs:
  allowed_patterns:
    - "**/*.vcf"
`), 0o644))

	SetConfigFile(path)
	defer SetConfigFile("")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, BackendSQS, cfg.Queues.Backend)
	assert.Equal(t, "jobvault-dlq", cfg.Queues.DeadLetter)
	assert.Equal(t, []string{"**/*.vcf"}, cfg.Inputs.AllowedPatterns)

	// Env still beats the file.
	t.Setenv("JOBVAULT_PORT", "7071")
	cfg, err = Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7071, cfg.Server.Port)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	defer SetConfigFile("")

	_, err := Load(context.Background())
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		wantErr   string
	}{
		{
			name:      "unknown store backend",
			overrides: map[string]any{"store": map[string]any{"backend": "postgres"}},
			wantErr:   "store.backend",
		},
		{
			name:      "unknown launcher",
			overrides: map[string]any{"execution": map[string]any{"launcher": "k8s"}},
			wantErr:   "execution.launcher",
		},
		{
			name:      "port out of range",
			overrides: map[string]any{"server": map[string]any{"port": 70000}},
			wantErr:   "server.port",
		},
		{
			name:      "missing results bucket",
			overrides: map[string]any{"storage": map[string]any{"results_bucket": ""}},
			wantErr:   "results_bucket",
		},
		{
			name:      "negative window",
			overrides: map[string]any{"policy": map[string]any{"free_access_window": "-1m"}},
			wantErr:   "free_access_window",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
