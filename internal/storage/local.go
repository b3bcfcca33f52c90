package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local はローカルファイルシステムに保存します（開発環境・単一ホスト用）。
// API とワーカーが同じディレクトリを共有している必要があります。
type Local struct {
	root string
}

// NewLocal は root 配下に保存する Local を作成します。
func NewLocal(root string) (*Local, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// Save は key の名前でファイルを書き込み、key を参照として返します。
func (l *Local) Save(ctx context.Context, key string, r io.Reader) (string, error) {
	path, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	// 途中で失敗したファイルを読ませないよう、一時ファイルに書いてから rename する
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("rename file: %w", err)
	}
	return filepath.ToSlash(key), nil
}

// Open は参照先のファイルを開きます。
func (l *Local) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete は参照先のファイルを削除します。存在しない場合は何もしません。
func (l *Local) Delete(ctx context.Context, ref string) error {
	path, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// resolve は root の外を指す参照を拒否します。
func (l *Local) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(ref)))
	if clean == "." || clean == "" || filepath.IsAbs(clean) ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage reference: %q", ref)
	}
	return filepath.Join(l.root, clean), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
