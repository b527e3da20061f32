package local

import (
	"context"
	"io"
	"strings"
	"testing"
)

func newBackend(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestUploadDownloadRoundtrip(t *testing.T) {
	s := newBackend(t)
	ctx := context.Background()
	content := `{"tag":"v1.0.0","commit":"abc123"}`

	res, err := s.Upload(ctx, "manifests/infra/vpc/1.0.0.json", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", res.Size, len(content))
	}
	if len(res.Checksum) != 64 {
		t.Errorf("Checksum = %q, want 64-char sha256 hex", res.Checksum)
	}

	rc, err := s.Download(ctx, "manifests/infra/vpc/1.0.0.json")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != content {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestDownloadMissing(t *testing.T) {
	s := newBackend(t)
	if _, err := s.Download(context.Background(), "nope.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExists(t *testing.T) {
	s := newBackend(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "a/b.json")
	if err != nil || ok {
		t.Errorf("Exists before upload = %v, %v", ok, err)
	}

	if _, err := s.Upload(ctx, "a/b.json", strings.NewReader("{}"), 2); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Exists(ctx, "a/b.json")
	if err != nil || !ok {
		t.Errorf("Exists after upload = %v, %v", ok, err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newBackend(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, "a/b/c.json", strings.NewReader("{}"), 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "a/b/c.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Second delete of a missing file is not an error.
	if err := s.Delete(ctx, "a/b/c.json"); err != nil {
		t.Errorf("repeat Delete: %v", err)
	}
}

func TestGetMetadata(t *testing.T) {
	s := newBackend(t)
	ctx := context.Background()
	content := "manifest-body"

	up, err := s.Upload(ctx, "m.json", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatal(err)
	}

	meta, err := s.GetMetadata(ctx, "m.json")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("Size = %d", meta.Size)
	}
	if meta.Checksum != up.Checksum {
		t.Errorf("Checksum mismatch: %q vs %q", meta.Checksum, up.Checksum)
	}
}
