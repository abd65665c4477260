package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andreyvit/docstore"
	"github.com/andreyvit/docstore/boltstore"
	"github.com/andreyvit/docstore/localfs"
	"github.com/andreyvit/docstore/lock"
	"github.com/andreyvit/docstore/memstore"
)

func TestParse(t *testing.T) {
	t.Setenv("DOCSTORE_TEST_ROOT", "/var/lib/docs")
	cfg, err := Parse([]byte(`
backend:
  kind: local
  path: ${DOCSTORE_TEST_ROOT}/data
lock:
  kind: redis
  ttl: 10s
  redis:
    addrs: [localhost:6379]
    prefix: "app:"
retry:
  attempts: 3
  delay: 250ms
post:
  sort_arrays: true
verbose: true
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Path != "/var/lib/docs/data" {
		t.Errorf("Backend.Path = %q", cfg.Backend.Path)
	}
	if cfg.Lock.TTL != 10*time.Second || cfg.Lock.Redis.Addrs[0] != "localhost:6379" || cfg.Lock.Redis.Prefix != "app:" {
		t.Errorf("Lock = %+v", cfg.Lock)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.Delay != 250*time.Millisecond {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
	if !cfg.Post.SortArrays || cfg.Post.IntegralFloatsToInts || !cfg.Verbose {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing kind", "backend: {}"},
		{"unknown kind", "backend: {kind: cassandra}"},
		{"local without path", "backend: {kind: local}"},
		{"local without locker", "backend: {kind: local, path: /tmp/x}\nlock: {kind: none}"},
		{"mongodb without uri", "backend: {kind: mongodb}"},
		{"unknown field", "backend: {kind: memory, colour: red}"},
		{"file lock without dir", "backend: {kind: memory}\nlock: {kind: file}"},
		{"redis lock without addrs", "backend: {kind: memory}\nlock: {kind: redis}"},
		{"unknown lock", "backend: {kind: memory}\nlock: {kind: zookeeper}"},
		{"negative attempts", "backend: {kind: memory}\nretry: {attempts: -1}"},
		{"negative delay", "backend: {kind: memory}\nretry: {delay: -1s}"},
		{"bad duration", "backend: {kind: memory}\nretry: {delay: soon}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, docstore.ErrValidation) {
				t.Errorf("Parse = %v, wanted ErrValidation", err)
			}
		})
	}
}

func TestLockKindDefaults(t *testing.T) {
	tests := []struct {
		backend, lock string
		expected      string
	}{
		{BackendLocal, "", LockLocal},
		{BackendLocal, LockFile, LockFile},
		{BackendMemory, "", LockNone},
		{BackendBolt, LockRedis, LockRedis},
	}
	for _, tt := range tests {
		cfg := Config{Backend: Backend{Kind: tt.backend}, Lock: Lock{Kind: tt.lock}}
		if a := cfg.LockKind(); a != tt.expected {
			t.Errorf("** got %q for %s/%q, wanted %q", a, tt.backend, tt.lock, tt.expected)
		}
	}

	cfg := &Config{Backend: Backend{Kind: BackendLocal, Path: t.TempDir()}}
	locker, err := openLocker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := locker.(*lock.Local); !ok {
		t.Errorf("** got %T, wanted *lock.Local", locker)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docstore.yaml")
	if err := os.WriteFile(path, []byte("backend: {kind: memory}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend.Kind != BackendMemory {
		t.Errorf("Backend.Kind = %q", cfg.Backend.Kind)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) = %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tests := []struct {
		name  string
		cfg   Config
		check func(t *testing.T, be docstore.Backend)
	}{
		{"memory", Config{Backend: Backend{Kind: BackendMemory}}, func(t *testing.T, be docstore.Backend) {
			if _, ok := be.(*memstore.Store); !ok {
				t.Errorf("backend = %T", be)
			}
		}},
		{"local", Config{
			Backend: Backend{Kind: BackendLocal, Path: filepath.Join(dir, "local"), NoSync: true},
			Lock:    Lock{Kind: LockFile, Dir: filepath.Join(dir, "locks")},
		}, func(t *testing.T, be docstore.Backend) {
			if _, ok := be.(*localfs.Engine); !ok {
				t.Errorf("backend = %T", be)
			}
		}},
		{"bolt", Config{
			Backend: Backend{Kind: BackendBolt, Path: filepath.Join(dir, "test.db"), NoSync: true},
			Lock:    Lock{Kind: LockLocal},
		}, func(t *testing.T, be docstore.Backend) {
			if _, ok := be.(*boltstore.Store); !ok {
				t.Errorf("backend = %T", be)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Open(ctx, &tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer db.Close()
			tt.check(t, db.Backend())

			key := docstore.K("id", "k")
			if _, err := db.Put(ctx, "items", key, docstore.Document{"v": int64(1)}, false, docstore.WriteOptions{}); err != nil {
				t.Fatal(err)
			}
			doc, err := db.Get(ctx, "items", key)
			if err != nil || doc["v"] != int64(1) {
				t.Errorf("Get = (%v, %v)", doc, err)
			}
		})
	}
}

func TestOpenDynamoWithoutClient(t *testing.T) {
	_, err := Open(context.Background(), &Config{Backend: Backend{Kind: BackendDynamoDB}})
	if !errors.Is(err, docstore.ErrValidation) {
		t.Errorf("Open = %v, wanted ErrValidation", err)
	}
}
