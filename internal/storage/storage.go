// Package storage は音声ファイルの保存先を抽象化します。
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound は参照先のオブジェクトが存在しない場合に返されます。
var ErrNotFound = errors.New("artifact not found")

// Storage はアップロードされた音声ファイルを保存・取得します。
// ref はジョブに保存される不透明な参照で、Save が返した値をそのまま Open に渡します。
type Storage interface {
	Save(ctx context.Context, key string, r io.Reader) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}
