// Package bootstrap は設定からストア・キュー・保存先・文字起こしエンジンを組み立てます。
// API とワーカーの両方から使います。
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	gcstorage "cloud.google.com/go/storage"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/audio-scribe/internal/config"
	"github.com/yourusername/audio-scribe/internal/jobs"
	"github.com/yourusername/audio-scribe/internal/storage"
	"github.com/yourusername/audio-scribe/internal/transcribe"
)

// CloseFunc は Open* で確保した資源を解放します。
type CloseFunc func() error

func noopClose() error { return nil }

// Policy は設定から再試行ポリシーを作成します。
func Policy(cfg *config.Config) jobs.Policy {
	return jobs.Policy{
		MaxDeliveries:     cfg.MaxDeliveries,
		TranscribeTimeout: cfg.TranscribeTimeout,
		LeaseGrace:        cfg.LeaseGrace,
	}
}

// NeedsRedis はストアかキューが go-redis クライアントを使うかを返します。
func NeedsRedis(cfg *config.Config) bool {
	return cfg.StoreBackend == config.StoreRedis || cfg.QueueBackend == config.QueueRedis
}

// OpenRedis は QUEUE_REDIS_URL から go-redis クライアントを作成し、疎通を確認します。
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse QUEUE_REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// OpenStore は STORE_BACKEND に応じたジョブストアを作成します。
// redis バックエンドでは rdb が必要です。
func OpenStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (jobs.Store, CloseFunc, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		if rdb == nil {
			return nil, nil, errors.New("redis client is required for the redis store")
		}
		ttl := time.Duration(cfg.JobRetentionHours) * time.Hour
		return jobs.NewRedisStore(rdb, ttl), noopClose, nil

	case config.StoreMySQL:
		db, err := jobs.OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		store := jobs.NewMySQLStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil

	case config.StoreFirestore:
		client, err := firestore.NewClient(ctx, cfg.GCPProject)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore.NewClient: %w", err)
		}
		return jobs.NewFirestoreStore(client, cfg.FirestoreCollection), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported STORE_BACKEND: %s", cfg.StoreBackend)
	}
}

// OpenQueue は QUEUE_BACKEND に応じたキューを作成します。
// 返したキューの Close で接続も閉じます。
func OpenQueue(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (jobs.Queue, error) {
	lease := cfg.LeaseDuration()
	switch cfg.QueueBackend {
	case config.QueueAsynq:
		opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse QUEUE_REDIS_URL: %w", err)
		}
		return jobs.NewAsynqQueue(opt, jobs.AsynqOptions{
			Queue:         cfg.QueueName,
			Concurrency:   cfg.WorkerConcurrency,
			MaxDeliveries: cfg.MaxDeliveries,
			TaskTimeout:   lease,
			Logger:        logger,
		}), nil

	case config.QueueRedis:
		if rdb == nil {
			return nil, errors.New("redis client is required for the redis queue")
		}
		// 可視性タイムアウトがリースより短いと、処理中のメッセージが再配信されてしまう
		return jobs.NewRedisQueue(rdb, cfg.QueueName, jobs.RedisQueueOptions{
			Visibility: lease,
			Logger:     logger,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported QUEUE_BACKEND: %s", cfg.QueueBackend)
	}
}

// OpenStorage は STORAGE_BACKEND に応じた音声ファイルの保存先を作成します。
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.Storage, CloseFunc, error) {
	switch cfg.StorageBackend {
	case config.StorageLocal:
		local, err := storage.NewLocal(cfg.UploadDir)
		if err != nil {
			return nil, nil, err
		}
		return local, noopClose, nil

	case config.StorageGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("storage.NewClient: %w", err)
		}
		gcs, err := storage.NewGCS(client, cfg.GCSBucket, "uploads")
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return gcs, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported STORAGE_BACKEND: %s", cfg.StorageBackend)
	}
}

// OpenTranscriber は TRANSCRIBER に応じた文字起こしエンジンを作成します。
func OpenTranscriber(ctx context.Context, cfg *config.Config) (transcribe.Transcriber, CloseFunc, error) {
	switch cfg.Transcriber {
	case config.TranscriberWhisper:
		return transcribe.NewWhisper(transcribe.WhisperOptions{
			FFmpegPath:  cfg.FFmpegPath,
			WhisperPath: cfg.WhisperPath,
			ModelPath:   cfg.WhisperModelPath,
			Language:    cfg.WhisperLanguage,
		}), noopClose, nil

	case config.TranscriberGemini:
		gemini, err := transcribe.NewGemini(ctx, cfg.GCPProject, cfg.VertexRegion, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		return gemini, gemini.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported TRANSCRIBER: %s", cfg.Transcriber)
	}
}
