package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"

	gcstorage "cloud.google.com/go/storage"
)

func TestGCSParseReference(t *testing.T) {
	g, err := NewGCS(nil, "audio-bucket", "/uploads/")
	if err != nil {
		t.Fatalf("NewGCS() error = %v", err)
	}
	if got := g.ref(g.prefix + "a.mp3"); got != "gs://audio-bucket/uploads/a.mp3" {
		t.Fatalf("ref = %q", got)
	}

	bucket, object, err := g.parse("gs://audio-bucket/uploads/a.mp3")
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if bucket != "audio-bucket" || object != "uploads/a.mp3" {
		t.Fatalf("parse() = %q, %q", bucket, object)
	}

	for _, ref := range []string{"a.mp3", "gs://other/a.mp3", "gs://audio-bucket/", "gs://"} {
		if _, _, err := g.parse(ref); err == nil {
			t.Errorf("parse(%q) should fail", ref)
		}
	}
}

func TestGCSSaveAbortsWhenReaderFails(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"unexpected request"}}`)
	}))
	defer srv.Close()
	t.Setenv("STORAGE_EMULATOR_HOST", srv.URL)

	ctx := context.Background()
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		t.Fatalf("storage.NewClient() error = %v", err)
	}
	defer client.Close()
	g, err := NewGCS(client, "audio-bucket", "uploads")
	if err != nil {
		t.Fatalf("NewGCS() error = %v", err)
	}

	// 上限超過などで読み込みが途中で失敗した場合
	tooLarge := errors.New("file too large")
	body := io.MultiReader(strings.NewReader("ID3 partial audio"), iotest.ErrReader(tooLarge))
	if _, err := g.Save(ctx, "j1.mp3", body); !errors.Is(err, tooLarge) {
		t.Fatalf("Save() error = %v, want the reader error", err)
	}
	if n := requests.Load(); n != 0 {
		t.Fatalf("upload requests = %d, want 0 (partial object must not be committed)", n)
	}
}

// newEmulatorGCS は STORAGE_EMULATOR_HOST（fake-gcs-server など）が設定されている場合のみ使えます。
func newEmulatorGCS(t *testing.T) *GCS {
	t.Helper()
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" {
		t.Skip("STORAGE_EMULATOR_HOST is not set")
	}
	ctx := context.Background()
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		t.Fatalf("storage.NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	// 既に作成済みならエラーになるが、そのまま使う
	_ = client.Bucket("audio-scribe-test").Create(ctx, "audio-scribe-test", nil)
	g, err := NewGCS(client, "audio-scribe-test", "uploads")
	if err != nil {
		t.Fatalf("NewGCS() error = %v", err)
	}
	return g
}

func TestGCSSaveOpenDelete(t *testing.T) {
	g := newEmulatorGCS(t)
	ctx := context.Background()
	key := t.Name() + ".mp3"

	ref, err := g.Save(ctx, key, strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ref != "gs://audio-scribe-test/uploads/"+key {
		t.Fatalf("ref = %q", ref)
	}
	// 同じキーの再送は既存のオブジェクトを使う
	if again, err := g.Save(ctx, key, strings.NewReader("other")); err != nil || again != ref {
		t.Fatalf("second Save() = %q, %v", again, err)
	}

	rc, err := g.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "audio" {
		t.Fatalf("content = %q", b)
	}

	if err := g.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := g.Delete(ctx, ref); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if _, err := g.Open(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open() after delete error = %v, want ErrNotFound", err)
	}
}
