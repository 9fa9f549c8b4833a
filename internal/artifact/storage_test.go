package artifact

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"tts-studio/internal/models"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := &localStorage{baseDir: t.TempDir()}

	key, err := l.Put(ctx, "jobs/j1/takes/c1.wav", []byte("audio"), "audio/wav")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if key != "jobs/j1/takes/c1.wav" {
		t.Fatalf("put returned %q, want the sanitized key", key)
	}

	data, err := l.Get(ctx, key)
	if err != nil || !bytes.Equal(data, []byte("audio")) {
		t.Fatalf("get: %q %v", data, err)
	}

	if err := l.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.Get(ctx, key); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("get after delete: want ErrNotFound, got %v", err)
	}
}

func TestLocalStorageDeletePrefix(t *testing.T) {
	ctx := context.Background()
	l := &localStorage{baseDir: t.TempDir()}

	keys := []string{
		"jobs/j1/takes/c1.wav",
		"jobs/j1/final/full_story.wav",
		"jobs/j2/takes/c1.wav",
	}
	for _, k := range keys {
		if _, err := l.Put(ctx, k, []byte("x"), "audio/wav"); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	if err := l.DeletePrefix(ctx, "jobs/j1"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	for _, k := range keys[:2] {
		if _, err := l.Get(ctx, k); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("%s survived prefix delete: %v", k, err)
		}
	}
	if _, err := l.Get(ctx, keys[2]); err != nil {
		t.Fatalf("other job's blob deleted: %v", err)
	}

	if err := l.DeletePrefix(ctx, ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("empty prefix: want ErrInvalidInput, got %v", err)
	}
}

func TestSanitizeKeyStripsTraversal(t *testing.T) {
	cases := map[string]string{
		"jobs/j1/a.wav":    "jobs/j1/a.wav",
		"/jobs/j1/a.wav":   "jobs/j1/a.wav",
		"../../etc/passwd": "etc/passwd",
		"jobs/../../a.wav": "a.wav",
		"./jobs/j1/a.wav":  "jobs/j1/a.wav",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMemStorageDeletePrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemStorage()

	_, _ = m.Put(ctx, "jobs/j1/takes/c1.wav", []byte("x"), "audio/wav")
	_, _ = m.Put(ctx, "jobs/j1/final/full_story.wav", []byte("x"), "audio/wav")
	_, _ = m.Put(ctx, "jobs/j10/takes/c1.wav", []byte("x"), "audio/wav")

	if err := m.DeletePrefix(ctx, "jobs/j1"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("blobs remaining = %d, want 1", m.Len())
	}
	// A job id that only shares a string prefix is untouched.
	if _, err := m.Get(ctx, "jobs/j10/takes/c1.wav"); err != nil {
		t.Fatalf("jobs/j10 blob deleted: %v", err)
	}
}
