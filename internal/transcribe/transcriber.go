// Package transcribe は音声を文字に起こす外部機能へのアダプターです。
package transcribe

import (
	"context"
	"fmt"
	"io"
)

// Audio は文字起こし対象の音声です。
type Audio struct {
	// Name は元のファイル名です（拡張子の推定に使います）。
	Name        string
	ContentType string
	Body        io.Reader
}

// Transcriber は音声からテキストを生成します。
// 失敗時は利用者に見せてよい Message を持つ *Error を返します。
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

// Error は段階付きの文字起こしエラーです。
// Message は利用者向けで、内部パスやコマンド出力を含みません。
type Error struct {
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

// Unwrap は元のエラーを返します。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

const (
	StagePreprocessing = "preprocessing"
	StageTranscribing  = "transcribing"
	StageExporting     = "exporting"
)
