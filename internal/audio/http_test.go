package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/audio-scribe/internal/auth"
	"github.com/yourusername/audio-scribe/internal/jobs"
	"github.com/yourusername/audio-scribe/internal/storage"
)

type stubJobService struct {
	mu        sync.Mutex
	jobs      map[string]*jobs.Job
	submitted []jobs.SubmitRequest
	submitErr error
	// keepJob が true の場合、submitErr と一緒に保存済みのジョブを返す
	keepJob bool
	listErr error
}

func newStubJobService() *stubJobService {
	return &stubJobService{jobs: make(map[string]*jobs.Job)}
}

func (s *stubJobService) Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, req)
	id := fmt.Sprintf("job-%d", len(s.submitted))
	job := &jobs.Job{
		ID:           id,
		Owner:        req.Owner,
		SourceRef:    req.SourceRef,
		OriginalName: req.OriginalName,
		ContentType:  req.ContentType,
		Status:       jobs.StatusUploaded,
		CreatedAt:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	if s.submitErr != nil {
		if s.keepJob {
			s.jobs[id] = job
			return job, s.submitErr
		}
		return nil, s.submitErr
	}
	s.jobs[id] = job
	return job, nil
}

func (s *stubJobService) Get(ctx context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *stubJobService) List(ctx context.Context, owner string) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*jobs.Job
	for _, job := range s.jobs {
		if job.Owner == owner {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func newTestRouter(t *testing.T, svc JobService, maxFileSize int64) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	local, err := storage.NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	h := NewHandler(svc, local, maxFileSize, nil)

	r := gin.New()
	// ログイン済みユーザーの代わりにヘッダーから所有者を設定する
	r.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			c.Set(auth.ContextUserKey, user)
		}
		c.Next()
	})
	r.POST("/api/jobs", h.Upload)
	r.GET("/api/jobs", h.List)
	r.GET("/api/jobs/:id", h.Get)
	return r, dir
}

func multipartBody(t *testing.T, field, filename, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		t.Fatalf("CreatePart() error = %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func doUpload(t *testing.T, r http.Handler, user string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "file", "memo.mp3", "audio/mpeg", data)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", ct)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return out
}

func storedFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestUploadHandlerAccepted(t *testing.T) {
	svc := newStubJobService()
	r, dir := newTestRouter(t, svc, 1<<20)
	data := mp3Bytes(4096)

	w := doUpload(t, r, "alice", data)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["jobId"] != "job-1" || resp["status"] != "uploaded" || resp["filename"] != "memo.mp3" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if _, ok := resp["transcript"]; ok {
		t.Fatal("uploaded job must not expose a transcript")
	}

	if len(svc.submitted) != 1 {
		t.Fatalf("submitted = %d", len(svc.submitted))
	}
	req := svc.submitted[0]
	if req.Owner != "alice" || req.ContentType != "audio/mpeg" {
		t.Fatalf("submit request = %+v", req)
	}
	stored, err := os.ReadFile(filepath.Join(dir, req.SourceRef))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Fatal("stored file does not match upload")
	}
}

func TestUploadHandlerRequiresLogin(t *testing.T) {
	r, _ := newTestRouter(t, newStubJobService(), 1<<20)
	w := doUpload(t, r, "", mp3Bytes(128))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestUploadHandlerValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("missing file", func(t *testing.T) {
		r, _ := newTestRouter(t, newStubJobService(), 1<<20)
		body, ct := multipartBody(t, "other", "memo.mp3", "audio/mpeg", mp3Bytes(64))
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
		req.Header.Set("Content-Type", ct)
		req.Header.Set("X-Test-User", "alice")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Code)
		}
	})

	t.Run("not audio", func(t *testing.T) {
		svc := newStubJobService()
		r, dir := newTestRouter(t, svc, 1<<20)
		w := doUpload(t, r, "alice", []byte("%PDF-1.7 definitely not audio"))
		if w.Code != http.StatusUnsupportedMediaType {
			t.Fatalf("status = %d, want 415", w.Code)
		}
		if len(svc.submitted) != 0 || len(storedFiles(t, dir)) != 0 {
			t.Fatal("rejected upload must not be stored or submitted")
		}
	})

	t.Run("too large", func(t *testing.T) {
		r, _ := newTestRouter(t, newStubJobService(), 1024)
		w := doUpload(t, r, "alice", mp3Bytes(4096))
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", w.Code)
		}
		if decodeBody(t, w)["code"] != "LIMIT_EXCEEDED" {
			t.Fatalf("body = %s", w.Body.String())
		}
	})
}

func TestUploadHandlerRemovesArtifactWhenStoreFails(t *testing.T) {
	svc := newStubJobService()
	svc.submitErr = fmt.Errorf("put job: %w", jobs.ErrStoreUnavailable)
	r, dir := newTestRouter(t, svc, 1<<20)

	w := doUpload(t, r, "alice", mp3Bytes(256))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if decodeBody(t, w)["code"] != "STORE_UNAVAILABLE" {
		t.Fatalf("body = %s", w.Body.String())
	}
	if files := storedFiles(t, dir); len(files) != 0 {
		t.Fatalf("orphaned artifacts: %v", files)
	}
}

func TestUploadHandlerQueueFailureKeepsJob(t *testing.T) {
	svc := newStubJobService()
	svc.submitErr = fmt.Errorf("enqueue: %w", jobs.ErrQueueUnavailable)
	svc.keepJob = true
	r, dir := newTestRouter(t, svc, 1<<20)

	w := doUpload(t, r, "alice", mp3Bytes(256))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["code"] != "QUEUE_UNAVAILABLE" || resp["jobId"] != "job-1" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if files := storedFiles(t, dir); len(files) != 1 {
		t.Fatalf("artifact should be kept for the sweeper, got %v", files)
	}
}

func TestGetHandler(t *testing.T) {
	svc := newStubJobService()
	svc.jobs["j1"] = &jobs.Job{ID: "j1", Owner: "alice", OriginalName: "a.mp3", Status: jobs.StatusCompleted, Transcript: "hello"}
	r, _ := newTestRouter(t, svc, 1<<20)

	get := func(user, id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil)
		req.Header.Set("X-Test-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := get("alice", "j1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["transcript"] != "hello" || resp["status"] != "completed" {
		t.Fatalf("unexpected response: %v", resp)
	}

	if w := get("bob", "j1"); w.Code != http.StatusNotFound {
		t.Fatalf("other owner status = %d, want 404", w.Code)
	}
	if w := get("alice", "missing"); w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", w.Code)
	}
}

func TestListHandler(t *testing.T) {
	svc := newStubJobService()
	svc.jobs["j1"] = &jobs.Job{ID: "j1", Owner: "alice", Status: jobs.StatusUploaded}
	svc.jobs["j2"] = &jobs.Job{ID: "j2", Owner: "bob", Status: jobs.StatusUploaded}
	r, _ := newTestRouter(t, svc, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("X-Test-User", "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Jobs []jobs.View `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].ID != "j1" {
		t.Fatalf("jobs = %+v", resp.Jobs)
	}
}

func TestRespondWithError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err  error
		code int
	}{
		{newError("INVALID_INPUT", "bad", nil), http.StatusBadRequest},
		{fmt.Errorf("save: %w", newError("LIMIT_EXCEEDED", "big", nil)), http.StatusRequestEntityTooLarge},
		{jobs.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("list: %w", jobs.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{jobs.ErrQueueUnavailable, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusRequestTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondWithError(c, tt.err)
		if w.Code != tt.code {
			t.Errorf("respondWithError(%v) = %d, want %d", tt.err, w.Code, tt.code)
		}
	}
}
