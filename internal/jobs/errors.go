package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound はジョブが存在しない場合に返されます。
	ErrNotFound = errors.New("job not found")
	// ErrStoreUnavailable はジョブストアに到達できない場合に返されます。
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrQueueUnavailable はキューへの投入・取得に失敗した場合に返されます。
	ErrQueueUnavailable = errors.New("work queue unavailable")
	// ErrClaimConflict は他のワーカーが有効なリースを保持している場合に返されます。
	ErrClaimConflict = errors.New("job is claimed by another worker")
	// ErrInvalidJob は必須項目が欠けたジョブを保存しようとした場合に返されます。
	ErrInvalidJob = errors.New("invalid job")
	// ErrJobFinished は完了・失敗したジョブを書き換えようとした場合に返されます。
	ErrJobFinished = errors.New("job already finished")
	// ErrInvalidTransition は状態を後戻りさせようとした場合に返されます。
	ErrInvalidTransition = errors.New("invalid status transition")
)

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func queueUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrQueueUnavailable, err)
}
