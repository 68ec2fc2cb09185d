package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobvault/internal/config"
	"github.com/3leaps/jobvault/pkg/pipeline"
)

// writeTestConfig writes a config that keeps every backend under dir.
func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := map[string]any{
		"logging": map[string]any{"level": "error", "profile": "console"},
		"store":   map[string]any{"backend": config.BackendMemory},
		"storage": map[string]any{"backend": config.BackendFile, "root": filepath.Join(dir, "blobs")},
		"staging": map[string]any{"dir": filepath.Join(dir, "staging")},
		"policy":  map[string]any{"archive_roles": []string{"free_user"}},
	}
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "jobvault.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, logLevel, logProfile = "", "", ""
	localUser, localRole = "local-user", "free_user"
	localRestore, localPersist, localJSON = false, false, false
	versionJSON = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		config.SetConfigFile("")
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func writeInput(t *testing.T, dir, name string, lines int) string {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < lines; i++ {
		buf.WriteString("chr1\t100\t.\tA\tG\n")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestLocalCommand(t *testing.T) {
	tests := []struct {
		name       string
		role       string
		restore    bool
		wantResult pipeline.ResultState
		wantRestor bool
	}{
		{name: "premium result stays hot", role: "premium_user", wantResult: pipeline.ResultHot},
		{name: "free result is archived", role: "free_user", wantResult: pipeline.ResultArchived},
		{name: "free result restored", role: "free_user", restore: true, wantResult: pipeline.ResultHot, wantRestor: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfgPath := writeTestConfig(t, dir)
			input := writeInput(t, dir, "sample.vcf", 3)

			args := []string{"local", "--config", cfgPath, "--json", "--user", "u1", "--role", tt.role}
			if tt.restore {
				args = append(args, "--restore")
			}
			out, err := execute(t, append(args, input)...)
			require.NoError(t, err)

			var views []pipeline.View
			require.NoError(t, json.Unmarshal([]byte(out), &views), out)
			require.Len(t, views, 1)

			v := views[0]
			assert.Equal(t, "u1", v.UserID)
			assert.Equal(t, tt.role, v.UserRole)
			assert.Equal(t, "sample.vcf", v.InputFileName)
			assert.Equal(t, "COMPLETED", string(v.Status))
			assert.Equal(t, tt.wantResult, v.ResultState)
			require.NotNil(t, v.ResultLocation)
			require.NotNil(t, v.LogLocation)
			assert.Equal(t, tt.wantRestor, v.RestoreTime != 0)
			if tt.wantResult == pipeline.ResultHot {
				assert.Empty(t, v.ResultArchiveID)
			} else {
				assert.NotEmpty(t, v.ResultArchiveID)
			}
		})
	}
}

func TestLocalCommandTable(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)
	input := writeInput(t, dir, "a.vcf", 1)

	out, err := execute(t, "local", "--config", cfgPath, "--role", "premium_user", input)
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "a.vcf")
}

func TestConfigShowCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	out, err := execute(t, "config", "show", "--config", cfgPath)
	require.NoError(t, err)

	var shown map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	store, ok := shown["store"].(map[string]any)
	require.True(t, ok, out)
	assert.Equal(t, config.BackendMemory, store["backend"])
	assert.NotContains(t, out, "auth_token")
	assert.NotContains(t, out, "secret_access_key")
}

func TestConfigFileNotFound(t *testing.T) {
	_, err := execute(t, "config", "show", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "Config file not found", ee.Message)
}

func TestVersionCommand(t *testing.T) {
	orig := versionInfo
	t.Cleanup(func() { versionInfo = orig })
	versionInfo.Version = "1.2.3"
	versionInfo.Commit = "abc123"

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "version")
		require.NoError(t, err)
		assert.Contains(t, out, "jobvault 1.2.3\n")
		assert.Contains(t, out, "commit=abc123\n")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "version", "--json")
		require.NoError(t, err)

		var got map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "1.2.3", got["version"])
		assert.Equal(t, "abc123", got["commit"])
		assert.NotEmpty(t, got["go_version"])
	})
}
