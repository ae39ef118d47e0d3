package config

import (
	"errors"
	"os"
	"path/filepath"
	"slotwatch/pkg/slotwatch"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slotwatch.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Governor.MaxConcurrent != 8 || cfg.Governor.RPS != 10 || cfg.Governor.Attempts != 3 {
		t.Errorf("governor = %+v", cfg.Governor)
	}
	if cfg.Governor.Timeout != 15*time.Second || cfg.Session.MaxAge != 4*time.Hour {
		t.Errorf("timeouts = %v, %v", cfg.Governor.Timeout, cfg.Session.MaxAge)
	}
	if cfg.Session.HarvestsPerContext != 2 {
		t.Errorf("harvests per context = %d", cfg.Session.HarvestsPerContext)
	}
	if cfg.Dispatch.MinInterval != time.Minute || cfg.Dispatch.BatchDates != 10 || cfg.Dispatch.Concurrency != 16 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Notify.Cooldown != time.Hour || cfg.Notify.StateTTL != 7*24*time.Hour || cfg.Server.Port != 8080 {
		t.Errorf("notify = %+v, port = %d", cfg.Notify, cfg.Server.Port)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
base_url: https://example.test/
governor:
  rps: 4
  timeout: 20s
dispatch:
  batch_dates: 5
proxy:
  preferred_tag: residential
  seeds:
    - endpoint: 10.0.0.1:3128
      tag: residential
`)
	t.Setenv("SLOTWATCH_STORAGE_BUCKET", "watch-bucket")
	t.Setenv("SLOTWATCH_DISPATCH_BATCH_DATES", "7")
	t.Setenv("SLOTWATCH_PROXY_LIST", "u:p@10.0.0.2:8000, 10.0.0.3:8000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BaseURL != "https://example.test" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Governor.RPS != 4 || cfg.Governor.Timeout != 20*time.Second || cfg.Governor.MaxConcurrent != 8 {
		t.Errorf("governor = %+v", cfg.Governor)
	}
	if cfg.Storage.Bucket != "watch-bucket" {
		t.Errorf("bucket = %q", cfg.Storage.Bucket)
	}
	if cfg.Dispatch.BatchDates != 7 {
		t.Errorf("batch_dates = %d, env should win over file", cfg.Dispatch.BatchDates)
	}

	recs, err := cfg.ProxyRecords(func(ep string) string { return "id-" + ep })
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d proxy records", len(recs))
	}
	if recs[0].Tag != "residential" || recs[0].ID != "id-10.0.0.1:3128" || !recs[0].Active {
		t.Errorf("seed record = %+v", recs[0])
	}
	if recs[1].Endpoint != "10.0.0.2:8000" || recs[1].Username != "u" || recs[1].Password != "p" {
		t.Errorf("list record = %+v", recs[1])
	}
	if recs[2].Endpoint != "10.0.0.3:8000" || recs[2].Username != "" {
		t.Errorf("list record = %+v", recs[2])
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative base url", func(c *Config) { c.BaseURL = "/tickets" }},
		{"zero concurrency", func(c *Config) { c.Governor.MaxConcurrent = 0 }},
		{"zero rps", func(c *Config) { c.Governor.RPS = 0 }},
		{"no batch", func(c *Config) { c.Dispatch.BatchDates = 0 }},
		{"no harvest slots", func(c *Config) { c.Session.HarvestsPerContext = 0 }},
		{"unknown email provider", func(c *Config) { c.Email.Provider = "pigeon" }},
		{"brevo without key", func(c *Config) { c.Email.Provider = "brevo" }},
		{"bad proxy list", func(c *Config) { c.Proxy.List = "no-port" }},
		{"seed without endpoint", func(c *Config) { c.Proxy.Seeds = []ProxySeed{{Tag: "x"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, slotwatch.ErrConfiguration) {
				t.Errorf("Validate() = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, slotwatch.ErrConfiguration) {
		t.Errorf("Load() = %v, want ErrConfiguration", err)
	}
}
