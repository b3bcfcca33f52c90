// Package audio は音声ファイルのアップロード検証と、ジョブ API の HTTP ハンドラーを提供します。
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// DefaultFilename はファイル名が送られなかった場合の表示名です。
const DefaultFilename = "audio-file"

// sniffLen は形式判定のために先読みするバイト数です。
const sniffLen = 3072

// Error はクライアントに返すエラーコードとメッセージを保持します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// 音声を格納しうるコンテナ形式。申告された Content-Type が audio/* のときだけ受け付けます。
var audioContainers = map[string]bool{
	"video/webm":      true,
	"video/mp4":       true,
	"video/ogg":       true,
	"application/ogg": true,
}

// Upload は検証済みのアップロードファイルです。
type Upload struct {
	Filename    string
	ContentType string
	Key         string
	Size        int64
	// Body は先読みした部分を含むファイル全体を返します。
	Body io.Reader
}

// Prepare はファイルのサイズと形式を検証し、保存用のキーを決めます。
func Prepare(file io.Reader, header *multipart.FileHeader, maxSize int64) (*Upload, error) {
	if header == nil {
		return nil, newError("INVALID_INPUT", "音声ファイルを選択してください。", nil)
	}
	if header.Size == 0 {
		return nil, newError("INVALID_INPUT", "空のファイルはアップロードできません。", nil)
	}
	if maxSize > 0 && header.Size > maxSize {
		return nil, newError("LIMIT_EXCEEDED", fmt.Sprintf("ファイルサイズは %d バイト以下にしてください。", maxSize), nil)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, newError("INVALID_INPUT", "ファイルの読み込みに失敗しました。", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, newError("INVALID_INPUT", "空のファイルはアップロードできません。", nil)
	}

	detected := mimetype.Detect(head)
	declared := declaredType(header)
	contentType, ok := acceptedType(detected, declared)
	if !ok {
		return nil, newError("UNSUPPORTED_MEDIA_TYPE",
			fmt.Sprintf("音声ファイルのみアップロードできます (検出された形式: %s)。", detected.String()), nil)
	}

	filename := displayName(header.Filename)
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 10 {
		ext = detected.Extension()
	}

	body := io.MultiReader(bytes.NewReader(head), file)
	if maxSize > 0 {
		body = &limitedReader{r: body, remaining: maxSize}
	}

	return &Upload{
		Filename:    filename,
		ContentType: contentType,
		Key:         uuid.NewString() + ext,
		Size:        header.Size,
		Body:        body,
	}, nil
}

// acceptedType は保存する Content-Type を決めます。
func acceptedType(detected *mimetype.MIME, declared string) (string, bool) {
	for m := detected; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "audio/") {
			return m.String(), true
		}
	}
	if strings.HasPrefix(declared, "audio/") {
		for m := detected; m != nil; m = m.Parent() {
			if audioContainers[m.String()] {
				return declared, true
			}
		}
	}
	return "", false
}

func declaredType(header *multipart.FileHeader) string {
	ct := header.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultFilename
	}
	// ブラウザによってはパス付きで送られてくる
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return DefaultFilename
	}
	return name
}

// limitedReader は申告サイズを超えて読み込まれた場合にエラーを返します。
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています。", nil)
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています。", nil)
	}
	return n, err
}
