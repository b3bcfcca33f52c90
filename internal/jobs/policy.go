package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yourusername/audio-scribe/internal/transcribe"
)

const (
	genericFailureMessage  = "文字起こしに失敗しました。"
	emptyTranscriptMessage = "音声から文字を認識できませんでした。"
	missingAudioMessage    = "音声ファイルを読み込めませんでした。"
	maxErrorMessageLength  = 500
)

// Policy は失敗時の扱いと実行時間の上限を定めます。
type Policy struct {
	// MaxDeliveries を超えて配信されたジョブは失敗として打ち切ります。
	MaxDeliveries int
	// TranscribeTimeout は1回の文字起こしの実行期限です。
	TranscribeTimeout time.Duration
	// LeaseGrace は実行期限に加えるリースの余裕です。
	LeaseGrace time.Duration
}

// DefaultPolicy は既定のポリシーを返します。
func DefaultPolicy() Policy {
	return Policy{
		MaxDeliveries:     5,
		TranscribeTimeout: 5 * time.Minute,
		LeaseGrace:        30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxDeliveries <= 0 {
		p.MaxDeliveries = def.MaxDeliveries
	}
	if p.TranscribeTimeout <= 0 {
		p.TranscribeTimeout = def.TranscribeTimeout
	}
	if p.LeaseGrace < 0 {
		p.LeaseGrace = 0
	}
	return p
}

// LeaseDuration は処理中ジョブのリース期間です。
func (p Policy) LeaseDuration() time.Duration {
	return p.TranscribeTimeout + p.LeaseGrace
}

// Exhausted は attempt 回目の配信が上限を超えているかを返します。
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxDeliveries
}

func abandonedMessage(attempts int) string {
	return fmt.Sprintf("processing was abandoned after %d attempts", attempts)
}

// failureMessage はジョブに保存してよい、利用者向けのエラーメッセージを返します。
// 内部のエラー詳細（パスやコマンド出力など）は含めません。
func failureMessage(err error) string {
	var terr *transcribe.Error
	if errors.As(err, &terr) && strings.TrimSpace(terr.Message) != "" {
		return truncateMessage(strings.TrimSpace(terr.Message))
	}
	return genericFailureMessage
}

func truncateMessage(s string) string {
	r := []rune(s)
	if len(r) <= maxErrorMessageLength {
		return s
	}
	return string(r[:maxErrorMessageLength])
}

// RetryDelay は基盤障害で差し戻すときの再配信までの待ち時間です。1分で頭打ちになります。
func (p Policy) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= 6 {
		return time.Minute
	}
	return min(time.Second<<attempt, time.Minute)
}
