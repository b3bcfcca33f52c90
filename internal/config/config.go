// Package config は環境変数から設定を読み込み、API とワーカーの両方で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// バックエンド名
const (
	StoreRedis     = "redis"
	StoreMySQL     = "mysql"
	StoreFirestore = "firestore"

	QueueAsynq = "asynq"
	QueueRedis = "redis"

	StorageLocal = "local"
	StorageGCS   = "gcs"

	TranscriberWhisper = "whisper"
	TranscriberGemini  = "gemini"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定
	AppUsername     string            // ログイン用ユーザー名
	AppPasswordHash string            // bcryptでハッシュ化されたパスワード
	AppUsers        map[string]string // 追加ユーザー（ユーザー名 -> bcryptハッシュ）
	SessionSecret   string            // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// ジョブストア設定
	StoreBackend        string // redis / mysql / firestore
	MySQLDSN            string // MySQL接続文字列
	FirestoreCollection string // Firestoreのコレクション名
	JobRetentionHours   int    // Redisに保存するジョブの保持時間（0は無期限）

	// キュー設定
	QueueBackend  string // asynq / redis
	QueueRedisURL string // キューとRedisストアの接続URL
	QueueName     string // キュー名

	// アーティファクト保存設定
	StorageBackend string // local / gcs
	UploadDir      string // ローカル保存先ディレクトリ
	GCSBucket      string // Google Cloud Storageバケット名

	// 文字起こし設定
	Transcriber      string // whisper / gemini
	FFmpegPath       string // ffmpeg実行ファイルのパス
	WhisperPath      string // whisper.cpp実行ファイルのパス
	WhisperModelPath string // whisperモデルファイルまたはディレクトリ
	WhisperLanguage  string // 言語コード（autoで自動判定）
	VertexRegion     string // Vertex AIのリージョン
	GeminiModel      string // Geminiモデル名

	// ワーカー設定
	WorkerConcurrency int           // プロセスあたりの同時実行スロット数
	TranscribeTimeout time.Duration // 文字起こし1件あたりの実行期限
	LeaseGrace        time.Duration // 処理リースの猶予時間
	MaxDeliveries     int           // 再配信の上限回数
	SweepSchedule     string        // 滞留ジョブ再投入のcron式（空で無効）
	StaleAfter        time.Duration // 滞留とみなすまでの時間

	// ログ設定
	LogLevel  string // debug / info / warn / error
	LogFormat string // text / json

	// GCP設定
	GCPProject string // GCPプロジェクトID
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		AppUsers:        parseUsers(getEnv("APP_USERS", "")),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 5*1024*1024), // 5MB

		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", StoreRedis)),
		MySQLDSN:            getEnv("MYSQL_DSN", ""),
		FirestoreCollection: getEnv("FIRESTORE_COLLECTION", "jobs"),
		JobRetentionHours:   getEnvAsInt("JOB_RETENTION_HOURS", 0),

		QueueBackend:  strings.ToLower(getEnv("QUEUE_BACKEND", QueueAsynq)),
		QueueRedisURL: getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueName:     getEnv("QUEUE_NAME", "transcribe"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageLocal)),
		UploadDir:      getEnv("UPLOAD_DIR", "uploads"),
		GCSBucket:      getEnv("GCS_BUCKET", ""),

		Transcriber:      strings.ToLower(getEnv("TRANSCRIBER", TranscriberWhisper)),
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		WhisperPath:      getEnv("WHISPER_PATH", "whisper-cli"),
		WhisperModelPath: getEnv("WHISPER_MODEL_PATH", ""),
		WhisperLanguage:  getEnv("WHISPER_LANGUAGE", "auto"),
		VertexRegion:     getEnv("VERTEX_REGION", "us-central1"),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-1.5-flash"),

		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 1),
		TranscribeTimeout: getEnvAsDuration("TRANSCRIBE_TIMEOUT", 5*time.Minute),
		LeaseGrace:        getEnvAsDuration("LEASE_GRACE", 30*time.Second),
		MaxDeliveries:     getEnvAsInt("MAX_DELIVERIES", 5),
		SweepSchedule:     getEnv("SWEEP_SCHEDULE", "@every 1m"),
		StaleAfter:        getEnvAsDuration("STALE_AFTER", 10*time.Minute),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		GCPProject: getEnv("GCP_PROJECT", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required for the redis store")
		}
	case StoreMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN is required for the mysql store")
		}
	case StoreFirestore:
		if c.GCPProject == "" {
			return fmt.Errorf("GCP_PROJECT is required for the firestore store")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND: %s", c.StoreBackend)
	}

	switch c.QueueBackend {
	case QueueAsynq, QueueRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required")
		}
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND: %s", c.QueueBackend)
	}

	switch c.StorageBackend {
	case StorageLocal:
		if c.UploadDir == "" {
			return fmt.Errorf("UPLOAD_DIR is required for local storage")
		}
	case StorageGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required for gcs storage")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND: %s", c.StorageBackend)
	}

	switch c.Transcriber {
	case TranscriberWhisper, TranscriberGemini:
	default:
		return fmt.Errorf("unsupported TRANSCRIBER: %s", c.Transcriber)
	}

	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.TranscribeTimeout <= 0 {
		return fmt.Errorf("TRANSCRIBE_TIMEOUT must be positive")
	}
	if c.MaxDeliveries <= 0 {
		return fmt.Errorf("MAX_DELIVERIES must be positive")
	}
	// リース中のジョブが掃除対象に入らないよう、滞留判定はリースより長くする
	if c.StaleAfter < c.LeaseDuration() {
		return fmt.Errorf("STALE_AFTER (%s) must be at least TRANSCRIBE_TIMEOUT + LEASE_GRACE (%s)", c.StaleAfter, c.LeaseDuration())
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.AppUsername == "" && len(c.AppUsers) == 0 {
			return fmt.Errorf("APP_USERNAME or APP_USERS is required in release mode")
		}
		if c.AppUsername != "" && c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

// Users はログイン可能なユーザーとパスワードハッシュの一覧を返します。
func (c *Config) Users() map[string]string {
	users := make(map[string]string, len(c.AppUsers)+1)
	for name, hash := range c.AppUsers {
		users[name] = hash
	}
	if c.AppUsername != "" {
		users[c.AppUsername] = c.AppPasswordHash
	}
	return users
}

// LeaseDuration はワーカーがジョブを保持できる時間を返します。
func (c *Config) LeaseDuration() time.Duration {
	return c.TranscribeTimeout + c.LeaseGrace
}

// parseUsers は "alice:$2a$...,bob:$2a$..." 形式を解析します。
func parseUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, hash, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		hash = strings.TrimSpace(hash)
		if name == "" || hash == "" {
			continue
		}
		users[name] = hash
	}
	return users
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: 90s, 5m）。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
