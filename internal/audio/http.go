package audio

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/audio-scribe/internal/auth"
	"github.com/yourusername/audio-scribe/internal/jobs"
	"github.com/yourusername/audio-scribe/internal/storage"
)

// multipart のヘッダーやバウンダリ分の余裕
const formOverhead = 1 << 20

const cleanupTimeout = 10 * time.Second

// JobService はジョブの投入と参照を提供します。
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, owner string) ([]*jobs.Job, error)
}

// Handler は /api/jobs 配下のハンドラーをまとめます。
type Handler struct {
	jobs        JobService
	artifacts   storage.Storage
	maxFileSize int64
	logger      *slog.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(svc JobService, artifacts storage.Storage, maxFileSize int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobs:        svc,
		artifacts:   artifacts,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

// Upload は POST /api/jobs のハンドラーです。
// 音声を保存してジョブを投入し、文字起こしの完了を待たずに 202 を返します。
func (h *Handler) Upload(c *gin.Context) {
	owner, ok := currentUser(c)
	if !ok {
		return
	}

	if h.maxFileSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize+formOverhead)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(c, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています。", err))
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "multipart/form-data の file フィールドで音声ファイルを送信してください。",
		})
		return
	}

	file, err := header.Open()
	if err != nil {
		respondWithError(c, newError("INVALID_INPUT", "アップロードされたファイルを開けませんでした。", err))
		return
	}
	defer file.Close()

	upload, err := Prepare(file, header, h.maxFileSize)
	if err != nil {
		respondWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	ref, err := h.artifacts.Save(ctx, upload.Key, upload.Body)
	if err != nil {
		h.logger.Error("failed to save upload", "key", upload.Key, "error", err)
		respondWithError(c, err)
		return
	}

	job, err := h.jobs.Submit(ctx, jobs.SubmitRequest{
		Owner:        owner,
		SourceRef:    ref,
		OriginalName: upload.Filename,
		ContentType:  upload.ContentType,
	})
	if err != nil {
		if job == nil {
			h.discard(ctx, ref)
			respondWithError(c, err)
			return
		}
		// ジョブは保存済みなので ID を返し、再投入は Sweeper に任せる
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_UNAVAILABLE",
			"message": "ジョブは受け付けましたが、処理の開始が遅れています。",
			"jobId":   job.ID,
		})
		return
	}

	c.JSON(http.StatusAccepted, job.View())
}

// List は GET /api/jobs のハンドラーです。
func (h *Handler) List(c *gin.Context) {
	owner, ok := currentUser(c)
	if !ok {
		return
	}
	list, err := h.jobs.List(c.Request.Context(), owner)
	if err != nil {
		respondWithError(c, err)
		return
	}
	views := make([]jobs.View, 0, len(list))
	for _, job := range list {
		views = append(views, job.View())
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

// Get は GET /api/jobs/:id のハンドラーです。他のユーザーのジョブは存在しないものとして扱います。
func (h *Handler) Get(c *gin.Context) {
	owner, ok := currentUser(c)
	if !ok {
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if job.Owner != owner {
		respondWithError(c, jobs.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, job.View())
}

func (h *Handler) discard(ctx context.Context, ref string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := h.artifacts.Delete(ctx, ref); err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.logger.Warn("failed to delete orphaned upload", "ref", ref, "error", err)
	}
}

func currentUser(c *gin.Context) (string, bool) {
	owner := c.GetString(auth.ContextUserKey)
	if owner == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
		return "", false
	}
	return owner, true
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "LIMIT_EXCEEDED":
			status = http.StatusRequestEntityTooLarge
		case "UNSUPPORTED_MEDIA_TYPE":
			status = http.StatusUnsupportedMediaType
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "ジョブが見つかりません。",
		})
	case errors.Is(err, jobs.ErrInvalidJob):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "ジョブの内容が正しくありません。",
		})
	case errors.Is(err, jobs.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "STORE_UNAVAILABLE",
			"message": "ジョブの保存先に接続できません。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, jobs.ErrQueueUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_UNAVAILABLE",
			"message": "ジョブキューに接続できません。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
