package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleConfig = `
base_url: http://127.0.0.1:8080
admin_api_key: test_admin_key
fixtures: fixtures.yaml
workflows:
  - workflows/manual-capture.yaml
  - workflows/refund-not-found.yaml
connectors:
  - stripe
  - adyen
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:8080" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if len(cfg.Workflows) != 2 || len(cfg.Connectors) != 2 {
		t.Errorf("workflows=%v connectors=%v", cfg.Workflows, cfg.Connectors)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	doc := sampleConfig + "\nbase_urll: typo\n"
	if _, err := Parse(strings.NewReader(doc)); err == nil {
		t.Error("Parse accepted an unknown field")
	}
}

func TestParseRequiresCoreFields(t *testing.T) {
	for _, doc := range []string{
		"fixtures: f.yaml\nworkflows: [w.yaml]\n",
		"fixtures: f.yaml\nconnectors: [stripe]\n",
		"workflows: [w.yaml]\nconnectors: [stripe]\n",
	} {
		if _, err := Parse(strings.NewReader(doc)); err == nil {
			t.Errorf("Parse accepted incomplete config:\n%s", doc)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAYRUN_BASE_URL", "http://10.0.0.5:9090")
	t.Setenv("PAYRUN_ADMIN_API_KEY", "from_env")

	cfg, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.BaseURL != "http://10.0.0.5:9090" {
		t.Errorf("BaseURL = %q, env override lost", cfg.BaseURL)
	}
	if cfg.AdminAPIKey != "from_env" {
		t.Errorf("AdminAPIKey = %q, env override lost", cfg.AdminAPIKey)
	}
}

func TestLoadAuth(t *testing.T) {
	dir := t.TempDir()
	authPath := filepath.Join(dir, "auth.yaml")
	err := os.WriteFile(authPath, []byte("stripe:\n  api_key: sk_test_123\nadyen:\n  api_key: ad_456\n  merchant_account: acme\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &Config{AuthFile: authPath}
	auth, err := cfg.LoadAuth()
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	if auth["stripe"]["api_key"] != "sk_test_123" {
		t.Errorf("stripe auth = %v", auth["stripe"])
	}
	if auth["adyen"]["merchant_account"] != "acme" {
		t.Errorf("adyen auth = %v", auth["adyen"])
	}
}

func TestLoadAuthUnconfigured(t *testing.T) {
	cfg := &Config{}
	auth, err := cfg.LoadAuth()
	if err != nil {
		t.Fatalf("LoadAuth: %v", err)
	}
	if len(auth) != 0 {
		t.Errorf("auth = %v, want empty", auth)
	}
}
