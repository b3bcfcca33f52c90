package auth

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// authError は認証まわりで返すエラー応答です。
type authError struct {
	status  int
	code    string
	message string
}

var (
	errLoginBody     = authError{http.StatusBadRequest, "INVALID_INPUT", "username と password を JSON で送ってください"}
	errLocked        = authError{http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "一定時間後に再度お試しください"}
	errCredentials   = authError{http.StatusUnauthorized, "INVALID_CREDENTIALS", "ユーザー名またはパスワードが正しくありません"}
	errTokenFailed   = authError{http.StatusInternalServerError, "TOKEN_GENERATION_FAILED", "CSRF トークンの生成に失敗しました"}
	errSessionSave   = authError{http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの保存に失敗しました"}
	errLoginRequired = authError{http.StatusUnauthorized, "UNAUTHORIZED", "ログインが必要です"}
	errExpired       = authError{http.StatusUnauthorized, "SESSION_EXPIRED", "セッションの有効期限が切れました"}
	errIdle          = authError{http.StatusUnauthorized, "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください"}
	errCSRFMissing   = authError{http.StatusForbidden, "CSRF_MISSING", "CSRF トークンが設定されていません"}
	errCSRFInvalid   = authError{http.StatusForbidden, "CSRF_INVALID", "CSRF トークンが一致しません"}
)

func (e authError) body(extra gin.H) gin.H {
	h := gin.H{"code": e.code, "message": e.message}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func (e authError) respond(c *gin.Context, extra gin.H) {
	c.JSON(e.status, e.body(extra))
}

func (e authError) abort(c *gin.Context) {
	c.AbortWithStatusJSON(e.status, e.body(nil))
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login は /auth/login のハンドラーです。
// 成功するとセッションを発行し、CSRF トークンを X-CSRF-Token ヘッダーで返します。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errLoginBody.respond(c, nil)
		return
	}
	if err := m.ensureCredentials(); err != nil {
		m.logger.Error("login is not configured", "error", err)
		authError{http.StatusInternalServerError, "SERVER_MISCONFIGURATION", err.Error()}.respond(c, nil)
		return
	}

	var (
		locked *lockedError
		denied *credentialsError
	)
	switch err := m.authenticate(c.ClientIP(), req.Username, req.Password); {
	case errors.As(err, &locked):
		c.Header("Retry-After", strconv.FormatInt(int64(locked.retryAfter.Seconds()), 10))
		errLocked.respond(c, nil)
		return
	case errors.As(err, &denied):
		errCredentials.respond(c, gin.H{"remainingAttempts": denied.remaining})
		return
	}

	st, err := newSessionState(req.Username, m.now())
	if err != nil {
		errTokenFailed.respond(c, nil)
		return
	}
	if err := st.save(sessions.Default(c)); err != nil {
		errSessionSave.respond(c, nil)
		return
	}
	c.Header(csrfHeader, st.csrf)
	c.Status(http.StatusNoContent)
}

// Logout は /auth/logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		errSessionSave.respond(c, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// Me は /auth/me のハンドラーです。ログイン中のユーザー名と CSRF トークンを返します。
func (m *Manager) Me(c *gin.Context) {
	if token := loadSession(sessions.Default(c)).csrf; token != "" {
		c.Header(csrfHeader, token)
	}
	c.JSON(http.StatusOK, gin.H{"username": c.GetString(ContextUserKey)})
}
