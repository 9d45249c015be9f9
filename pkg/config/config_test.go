package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("comment-service", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.Name != "comment-service" || cfg.Chain.ChainID != 31337 {
		t.Fatalf("cfg = %+v", cfg.App)
	}
	if cfg.Relay.AwaitTimeout != 30*time.Second || cfg.Relay.Retry.MaxAttempts != 4 {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	if cfg.Kafka.Topic != "comment-events" || len(cfg.Kafka.Brokers) != 1 {
		t.Fatalf("kafka = %+v", cfg.Kafka)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	file := "chain:\n  chain_id: 8453\n  rpc_url: http://file\nrelay:\n  await_timeout: 5s\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COMMENTS_CHAIN_RPC_URL", "http://env")

	fs := Flags("test")
	if err := fs.Parse([]string{"--logger.level=debug"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("comment-service", fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chain.ChainID != 8453 {
		t.Errorf("chain id = %d, want value from file", cfg.Chain.ChainID)
	}
	if cfg.Chain.RPCURL != "http://env" {
		t.Errorf("rpc url = %q, want env override", cfg.Chain.RPCURL)
	}
	if cfg.Relay.AwaitTimeout != 5*time.Second {
		t.Errorf("await timeout = %s", cfg.Relay.AwaitTimeout)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("level = %q, want flag", cfg.Logger.Level)
	}
	if !cfg.Relay.GaslessEnabled {
		t.Error("unset flag must not override the default")
	}
}
