package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal は完了・失敗のいずれかであるかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid は定義済みの状態かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Job は文字起こしジョブ1件の状態を表します。
type Job struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	SourceRef    string `json:"sourceRef"`
	OriginalName string `json:"originalName"`
	ContentType  string `json:"contentType,omitempty"`

	Status       Status `json:"status"`
	Transcript   string `json:"transcript,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Attempts は処理を開始した回数です。
	Attempts int `json:"attempts"`
	// ClaimToken は現在処理中のワーカーを識別します。
	ClaimToken     string    `json:"claimToken,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone はジョブのコピーを返します。
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

// View はクライアントに公開するジョブの射影です。
type View struct {
	ID           string    `json:"jobId"`
	Filename     string    `json:"filename"`
	Status       Status    `json:"status"`
	Transcript   string    `json:"transcript,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// View は Job を View に変換します。
func (j *Job) View() View {
	return View{
		ID:           j.ID,
		Filename:     j.OriginalName,
		Status:       j.Status,
		Transcript:   j.Transcript,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// Task はキューで運ばれる作業単位です。音声データそのものは含みません。
type Task struct {
	JobID     string `json:"jobId"`
	SourceRef string `json:"sourceRef"`
}

// SubmitRequest はジョブ投入時の入力です。
type SubmitRequest struct {
	Owner        string
	SourceRef    string
	OriginalName string
	ContentType  string
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Round(time.Microsecond)
}
