package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.MaxConcurrent != 3 {
		t.Fatalf("expected default max concurrent 3, got %d", cfg.MaxConcurrent)
	}
	if cfg.RetryMaxAttempts != 2 {
		t.Fatalf("expected default retry max attempts 2, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelayMS != nil {
		t.Fatalf("expected RETRY_BASE_DELAY_MS unset by default")
	}
	if cfg.RetryBaseDelay() != 0 {
		t.Fatalf("expected zero base delay when unset")
	}
	if cfg.ActivityCapacity != 50 {
		t.Fatalf("expected default activity capacity 50, got %d", cfg.ActivityCapacity)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true by default")
	}
	if cfg.IsProd() {
		t.Fatalf("expected IsProd false by default")
	}
}

func Test_Load_ExplicitZeroConcurrency(t *testing.T) {
	// An explicit 0 must be preserved, never replaced by the default.
	t.Setenv("MAX_CONCURRENT", "0")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 0, cfg.MaxConcurrent)
}

func Test_Load_ExplicitBaseDelay(t *testing.T) {
	t.Setenv("RETRY_BASE_DELAY_MS", "5")
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.RetryBaseDelayMS)
	require.Equal(t, 5*time.Millisecond, cfg.RetryBaseDelay())
}

func Test_Load_Validation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"negative concurrency", "MAX_CONCURRENT", "-1"},
		{"zero queue capacity", "QUEUE_CAPACITY", "0"},
		{"zero retry attempts", "RETRY_MAX_ATTEMPTS", "0"},
		{"negative base delay", "RETRY_BASE_DELAY_MS", "-10"},
		{"zero activity capacity", "ACTIVITY_CAPACITY", "0"},
		{"port out of range", "JOBS_API_PORT", "70000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func Test_GetRetryConfig_ClampsToAbsoluteMax(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "10")
	cfg, err := Load()
	require.NoError(t, err)
	rc := cfg.GetRetryConfig()
	require.Equal(t, 5, rc.MaxAttempts)
}

func Test_Load_GitWorkflow(t *testing.T) {
	t.Setenv("ENABLE_GIT_WORKFLOW", "true")
	t.Setenv("GIT_BASE_BRANCH", "develop")
	t.Setenv("GIT_DRY_RUN", "true")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.EnableGitWorkflow)
	require.Equal(t, "develop", cfg.GitBaseBranch)
	require.Equal(t, "auto", cfg.GitBranchPrefix)
	require.True(t, cfg.GitDryRun)
}
