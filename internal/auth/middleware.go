package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// sessionState はクッキーセッションに保存するログイン状態です。
type sessionState struct {
	user       string
	issuedAt   time.Time
	lastActive time.Time
	csrf       string
}

func newSessionState(user string, now time.Time) (sessionState, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return sessionState{}, err
	}
	return sessionState{
		user:       user,
		issuedAt:   now,
		lastActive: now,
		csrf:       hex.EncodeToString(buf),
	}, nil
}

func loadSession(s sessions.Session) sessionState {
	user, _ := s.Get(sessionKeyUser).(string)
	csrf, _ := s.Get(sessionKeyCSRF).(string)
	return sessionState{
		user:       user,
		issuedAt:   readUnix(s.Get(sessionKeyIssuedAt)),
		lastActive: readUnix(s.Get(sessionKeyLastActive)),
		csrf:       csrf,
	}
}

func (st sessionState) save(s sessions.Session) error {
	s.Set(sessionKeyUser, st.user)
	s.Set(sessionKeyIssuedAt, st.issuedAt.Unix())
	s.Set(sessionKeyLastActive, st.lastActive.Unix())
	s.Set(sessionKeyCSRF, st.csrf)
	return s.Save()
}

// check はセッションが今も有効かを判定し、無効なら返す応答を返します。
func (m *Manager) check(st sessionState, now time.Time) *authError {
	if st.user == "" {
		return &errLoginRequired
	}
	// 設定から削除されたユーザーのセッションは無効
	if _, known := m.users[st.user]; !known {
		return &errLoginRequired
	}
	if st.issuedAt.IsZero() || now.Sub(st.issuedAt) > maxSessionLifetime {
		return &errExpired
	}
	if st.lastActive.IsZero() || now.Sub(st.lastActive) > idleTimeout {
		return &errIdle
	}
	return nil
}

// RequireLogin はセッションを検証するミドルウェアを返します。
// 検証に成功すると ContextUserKey にユーザー名を設定し、最終操作時刻を更新します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		st := loadSession(session)
		now := m.now()

		if rejected := m.check(st, now); rejected != nil {
			if st.user != "" {
				session.Clear()
				_ = session.Save()
			}
			rejected.abort(c)
			return
		}

		st.lastActive = now
		_ = st.save(session)
		c.Set(ContextUserKey, st.user)
		c.Next()
	}
}

// VerifyCSRF は状態を変えるリクエストの X-CSRF-Token ヘッダーを検証します。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if safeMethods[c.Request.Method] {
			c.Next()
			return
		}

		expected := loadSession(sessions.Default(c)).csrf
		switch {
		case expected == "":
			errCSRFMissing.abort(c)
		case subtle.ConstantTimeCompare([]byte(expected), []byte(c.GetHeader(csrfHeader))) != 1:
			errCSRFInvalid.abort(c)
		default:
			c.Next()
		}
	}
}

var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// readUnix はセッションに保存した Unix 秒を読みます。
// cookie ストアの gob は int64 のまま、JSON 系のストアは float64 になります。
func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
