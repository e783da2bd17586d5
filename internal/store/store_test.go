package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := s.Get(ctx, "agent-state"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key error = %v, want ErrNotFound", err)
	}

	blob := []byte(`{"secretKey":"abc"}`)
	if err := s.Put(ctx, "agent-state", blob); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "agent-state")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("got %q, want %q", got, blob)
	}

	// Overwrite wins.
	if err := s.Put(ctx, "agent-state", []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "agent-state")
	if string(got) != "v2" {
		t.Fatalf("overwrite lost: got %q", got)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	for i := 0; i < 5; i++ {
		if err := s.Put(context.Background(), "dashboard-wallet.json", []byte("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", filepath.Join(dir, e.Name()))
		}
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one blob file, found %d", len(entries))
	}
}

func TestFileStoreRejectsPathKeys(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	for _, key := range []string{"", "../escape", "a/b", `a\b`} {
		if err := s.Put(context.Background(), key, []byte("x")); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	if _, err := s.Get(ctx, "agent-state"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key error = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, "agent-state", []byte("blob")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "agent-state")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "blob" {
		t.Fatalf("got %q, want %q", got, "blob")
	}
}
