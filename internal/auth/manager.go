// Package auth は認証・認可機能を提供します。
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/audio-scribe/internal/config"
)

const (
	SessionCookieName    = "as_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
// ジョブの所有者としてもこの値を使います。
const ContextUserKey = "auth.user"

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	users         map[string]string
	sessionSecret string
	now           func() time.Time
	logger        *slog.Logger

	lock     sync.Mutex
	attempts map[string]*attemptState
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		users:         cfg.Users(),
		sessionSecret: cfg.SessionSecret,
		now:           time.Now,
		logger:        logger.With("component", "auth"),
		attempts:      make(map[string]*attemptState),
	}
}

// lockedError は失敗が続いた接続元のログインを一時的に止めていることを表します。
type lockedError struct {
	retryAfter time.Duration
}

func (e *lockedError) Error() string {
	return fmt.Sprintf("login locked for %s", e.retryAfter)
}

// credentialsError はユーザー名かパスワードが一致しないことを表します。
type credentialsError struct {
	remaining int
}

func (e *credentialsError) Error() string {
	return fmt.Sprintf("invalid credentials, %d attempts left", e.remaining)
}

// authenticate は接続元 ip からのログインを検証し、失敗回数を記録します。
func (m *Manager) authenticate(ip, username, password string) error {
	if wait := m.checkLock(ip); wait > 0 {
		return &lockedError{retryAfter: wait}
	}
	if !m.verifyPassword(username, password) {
		remaining := m.recordFailure(ip)
		if remaining == 0 {
			m.logger.Warn("login locked", "ip", ip, "username", username, "duration", lockDuration)
		}
		return &credentialsError{remaining: remaining}
	}
	m.resetAttempts(ip)
	return nil
}

func (m *Manager) ensureCredentials() error {
	if len(m.users) == 0 {
		return errors.New("APP_USERNAME または APP_USERS が設定されていません")
	}
	for name, hash := range m.users {
		if hash == "" {
			return errors.New("ユーザー " + name + " のパスワードハッシュが設定されていません")
		}
	}
	if m.sessionSecret == "" {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

// verifyPassword はユーザー名とパスワードの組を検証します。
func (m *Manager) verifyPassword(username, password string) bool {
	hash, ok := m.users[username]
	if !ok || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	return max(maxLoginAttempts-state.count, 0)
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}
