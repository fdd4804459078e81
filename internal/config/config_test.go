package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  postgresDsn: "host=db user=postgres"
  redisAddr: "redis:6379"
  memcachedAddr: "memcached:11211"
sync:
  quietPeriod: 500ms
  flushOnClose: true
enrichment:
  endpoint: "http://enrich:8000"
  pollAttempts: 20
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	conf, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conf.Server.Listen != ":8000" || conf.Server.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected server config %+v", conf.Server)
	}
	if conf.Sync.QuietPeriod != 500*time.Millisecond || conf.Sync.SettlePeriod != 2*time.Second || !conf.Sync.FlushOnClose {
		t.Fatalf("unexpected sync config %+v", conf.Sync)
	}
	if conf.Enrichment.PollAttempts != 20 || conf.Enrichment.Timeout != 10*time.Second {
		t.Fatalf("unexpected enrichment config %+v", conf.Enrichment)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}
