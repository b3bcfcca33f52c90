package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCS は Google Cloud Storage のバケットに保存します。参照は "gs://<bucket>/<object>" です。
type GCS struct {
	client *gcstorage.Client
	bucket string
	prefix string
}

// NewGCS は GCS を作成します。prefix はオブジェクト名の先頭に付与されます。
func NewGCS(client *gcstorage.Client, bucket, prefix string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

// Save はオブジェクトが存在しない場合にのみ書き込みます。
// 同じキーで再送された場合は既存のオブジェクトをそのまま使います。
// 読み込みに失敗した場合は書き込みを中断し、途中までのオブジェクトを残しません。
func (g *GCS) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	object := g.prefix + key

	// Writer はコンテキストのキャンセルでのみ中断でき、Close すると確定してしまう
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := g.client.Bucket(g.bucket).Object(object).If(gcstorage.Conditions{DoesNotExist: true}).NewWriter(wctx)

	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		if isPreconditionFailed(err) {
			return g.ref(object), nil
		}
		return "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return g.ref(object), nil
		}
		return "", fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return g.ref(object), nil
}

// Open はオブジェクトのリーダーを返します。
func (g *GCS) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, object, err := g.parse(ref)
	if err != nil {
		return nil, err
	}
	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcstorage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("failed to open GCS object: %w", err)
	}
	return rc, nil
}

// Delete はオブジェクトを削除します。存在しない場合は何もしません。
func (g *GCS) Delete(ctx context.Context, ref string) error {
	bucket, object, err := g.parse(ref)
	if err != nil {
		return err
	}
	if err := g.client.Bucket(bucket).Object(object).Delete(ctx); err != nil && !errors.Is(err, gcstorage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object: %w", err)
	}
	return nil
}

func (g *GCS) ref(object string) string {
	return "gs://" + g.bucket + "/" + object
}

func (g *GCS) parse(ref string) (string, string, error) {
	rest, ok := strings.CutPrefix(ref, "gs://")
	if !ok {
		return "", "", fmt.Errorf("invalid gcs reference: %q", ref)
	}
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid gcs reference: %q", ref)
	}
	if bucket != g.bucket {
		return "", "", fmt.Errorf("gcs reference %q is outside bucket %s", ref, g.bucket)
	}
	return bucket, object, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
