package config

import (
	"fmt"
	"slices"
	"strings"
)

func (c *Config) normalize() {
	c.Logging.Profile = strings.ToUpper(strings.TrimSpace(c.Logging.Profile))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Archive.Backend = strings.ToLower(strings.TrimSpace(c.Archive.Backend))
	c.Queues.Backend = strings.ToLower(strings.TrimSpace(c.Queues.Backend))
	c.Topics.Backend = strings.ToLower(strings.TrimSpace(c.Topics.Backend))
	c.Execution.Launcher = strings.ToLower(strings.TrimSpace(c.Execution.Launcher))
	c.Execution.Command = trimAll(c.Execution.Command)
	c.Policy.ArchiveRoles = trimAll(c.Policy.ArchiveRoles)
	c.Inputs.AllowedPatterns = trimAll(c.Inputs.AllowedPatterns)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects unknown backends and impossible values.
func (c *Config) Validate() error {
	checks := []struct {
		field string
		value string
		allow []string
	}{
		{"store.backend", c.Store.Backend, []string{BackendMemory, BackendSQLite, BackendDynamo}},
		{"storage.backend", c.Storage.Backend, []string{BackendFile, BackendS3}},
		{"archive.backend", c.Archive.Backend, []string{BackendMemory, BackendGlacier}},
		{"queues.backend", c.Queues.Backend, []string{BackendMemory, BackendSQS}},
		{"topics.backend", c.Topics.Backend, []string{BackendMemory, BackendSNS}},
		{"execution.launcher", c.Execution.Launcher, []string{LauncherProcess, LauncherInProcess}},
		{"logging.profile", c.Logging.Profile, []string{"STRUCTURED", "CONSOLE"}},
	}
	for _, ck := range checks {
		if !slices.Contains(ck.allow, ck.value) {
			return fmt.Errorf("invalid %s %q (want one of %s)", ck.field, ck.value, strings.Join(ck.allow, ", "))
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics.port %d", c.Metrics.Port)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if c.Storage.InputsBucket == "" || c.Storage.ResultsBucket == "" {
		return fmt.Errorf("storage.inputs_bucket and storage.results_bucket are required")
	}
	if c.Policy.FreeAccessWindow < 0 {
		return fmt.Errorf("policy.free_access_window must be >= 0")
	}
	if c.Restore.RatePerSecond < 0 {
		return fmt.Errorf("restore.rate_per_second must be >= 0")
	}
	return nil
}
