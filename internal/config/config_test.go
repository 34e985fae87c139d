// internal/config/config_test.go
package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// validKeyHex is a well-formed 16-byte master key.
const validKeyHex = "000102030405060708090a0b0c0d0e0f"

// clearEnv unsets every variable the loader reads so tests start clean.
func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"TAPD_ENV", "TAPD_PORT", "TAPD_DB_DSN", "TAPD_NATS_URL",
		"TAPD_SDM_MODE", "TAPD_SDM_MASTER_KEY", "TAPD_CRON_SECRET",
		"TAPD_CRON_TRUSTED_HEADER",
		"TAPD_AUTHORITY_API_URL", "TAPD_AUTHORITY_AUTH_URL", "TAPD_AUTHORITY_AUDIENCE",
		"TAPD_AUTHORITY_CLIENT_ID", "TAPD_AUTHORITY_CLIENT_SECRET", "TAPD_AUTHORITY_API_KEY",
		"TAPD_ENS_RESOLVER_URL", "TAPD_ENS_FALLBACK_URL",
		"TAPD_RECONCILE_INTERVAL", "TAPD_RECONCILE_BATCH_SIZE",
		"TAPD_RECONCILE_ITEM_DELAY", "TAPD_RECONCILE_ITEM_TIMEOUT",
		"TAPD_RECONCILE_MAX_FAILED_CHECKS",
		"TAPD_S3_ENDPOINT", "TAPD_S3_REGION", "TAPD_S3_BUCKET",
		"TAPD_S3_ACCESS_KEY", "TAPD_S3_SECRET_KEY",
	}
	for _, v := range vars {
		// t.Setenv registers restoration of the original value; the unset
		// makes the variable truly absent for the test itself.
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAPD_SDM_MASTER_KEY", validKeyHex)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("expected default env dev, got %s", cfg.Env)
	}
	if cfg.SDMMode != SDMModeStrict {
		t.Errorf("expected default SDM mode strict, got %s", cfg.SDMMode)
	}
	if cfg.ReconcileBatchSize != 50 {
		t.Errorf("expected default batch size 50, got %d", cfg.ReconcileBatchSize)
	}
	if cfg.ReconcileItemDelay != 200*time.Millisecond {
		t.Errorf("expected default item delay 200ms, got %s", cfg.ReconcileItemDelay)
	}
	if cfg.ReconcileMaxFailedChecks != 2 {
		t.Errorf("expected default max failed checks 2, got %d", cfg.ReconcileMaxFailedChecks)
	}
	if len(cfg.SDMMasterKey) != 16 {
		t.Errorf("expected 16-byte master key, got %d bytes", len(cfg.SDMMasterKey))
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAPD_SDM_MASTER_KEY", validKeyHex)
	t.Setenv("TAPD_PORT", "9090")
	t.Setenv("TAPD_ENV", "staging")
	t.Setenv("TAPD_RECONCILE_BATCH_SIZE", "10")
	t.Setenv("TAPD_RECONCILE_INTERVAL", "1m")
	t.Setenv("TAPD_RECONCILE_MAX_FAILED_CHECKS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.Env != "staging" {
		t.Errorf("expected env staging, got %s", cfg.Env)
	}
	if cfg.ReconcileBatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.ReconcileBatchSize)
	}
	if cfg.ReconcileInterval != time.Minute {
		t.Errorf("expected interval 1m, got %s", cfg.ReconcileInterval)
	}
	if cfg.ReconcileMaxFailedChecks != 5 {
		t.Errorf("expected max failed checks 5, got %d", cfg.ReconcileMaxFailedChecks)
	}
}

func TestLoadRejectsMockInProd(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAPD_ENV", "prod")
	t.Setenv("TAPD_SDM_MODE", "mock")

	if _, err := Load(); err == nil {
		t.Fatal("expected mock mode in prod to be rejected")
	}
}

func TestLoadAllowsMockInDev(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAPD_ENV", "dev")
	t.Setenv("TAPD_SDM_MODE", "mock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SDMMode != SDMModeMock {
		t.Errorf("expected mock mode, got %s", cfg.SDMMode)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAPD_SDM_MODE", "lenient")

	if _, err := Load(); err == nil {
		t.Fatal("expected unknown SDM mode to be rejected")
	}
}

func TestLoadRejectsBadMasterKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"not hex", "zz0102030405060708090a0b0c0d0e0f"},
		{"too short", "0001020304"},
		{"too long", validKeyHex + "ff"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("TAPD_SDM_MASTER_KEY", tc.key)
			if _, err := Load(); err == nil {
				t.Errorf("expected key %q to be rejected", tc.key)
			}
		})
	}
}

func TestLoadStrictRequiresMasterKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAPD_SDM_MODE", "strict")

	_, err := Load()
	if err == nil {
		t.Fatal("expected strict mode without a master key to be rejected")
	}
	if !strings.Contains(err.Error(), "TAPD_SDM_MASTER_KEY") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadRejectsZeroMaxFailedChecks(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAPD_SDM_MASTER_KEY", validKeyHex)
	t.Setenv("TAPD_RECONCILE_MAX_FAILED_CHECKS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected zero max failed checks to be rejected")
	}
}

func TestAuthorityConfigured(t *testing.T) {
	cfg := Config{}
	if cfg.AuthorityConfigured() {
		t.Error("expected empty credentials to report unconfigured")
	}

	cfg.AuthorityClientID = "id"
	cfg.AuthorityClientSecret = "secret"
	cfg.AuthorityAPIKey = "key"
	if !cfg.AuthorityConfigured() {
		t.Error("expected full credentials to report configured")
	}
}
