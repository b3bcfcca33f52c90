package transcribe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

const (
	geminiSystemPrompt = "You are a transcription engine. You convert speech in audio recordings into plain text."
	geminiUserPrompt   = `Transcribe the attached audio verbatim in the language that is spoken.
Return only the transcript text. Do not add timestamps, speaker labels, summaries or any preamble.
If the recording contains no intelligible speech, return an empty response.`

	// Vertex AI のインラインデータ上限
	maxInlineAudioBytes = 20 << 20
)

// contentGenerator は genai.GenerativeModel のうち使用する部分です。
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Gemini は Vertex AI の Gemini モデルで文字起こしします。
type Gemini struct {
	model  contentGenerator
	client *genai.Client
}

// NewGemini は Vertex AI クライアントを作成し、文字起こし用にモデルを設定します。
func NewGemini(ctx context.Context, projectID, region, modelName string) (*Gemini, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewGemini: projectID and region cannot be empty")
	}
	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(geminiSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.0),
	}
	return &Gemini{model: model, client: client}, nil
}

// Close はクライアントを閉じます。
func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Transcribe は音声をインラインで送信し、応答のテキストを返します。
func (g *Gemini) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if audio.Body == nil {
		return "", &Error{Stage: StagePreprocessing, Message: "音声データがありません。"}
	}
	data, err := io.ReadAll(io.LimitReader(audio.Body, maxInlineAudioBytes+1))
	if err != nil {
		return "", &Error{Stage: StagePreprocessing, Message: "音声ファイルの読み込みに失敗しました。", Err: err}
	}
	if len(data) > maxInlineAudioBytes {
		return "", &Error{Stage: StagePreprocessing, Message: "音声ファイルが大きすぎます。"}
	}

	mimeType := audio.ContentType
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	resp, err := g.model.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: data},
		genai.Text(geminiUserPrompt),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Error{Stage: StageTranscribing, Message: "文字起こしサービスの呼び出しに失敗しました。", Err: err}
	}
	return extractTranscript(resp)
}

func extractTranscript(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &Error{Stage: StageExporting, Message: "文字起こしサービスから結果が返りませんでした。"}
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String()), nil
}
