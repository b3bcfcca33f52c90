package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// commandResult は外部コマンドの実行結果です。
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner はテストのためにプロセス実行を抽象化します。
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// WhisperOptions は whisper.cpp の実行設定です。
type WhisperOptions struct {
	FFmpegPath  string
	WhisperPath string
	// ModelPath はモデルファイルか、.bin / .gguf を含むディレクトリです。
	ModelPath string
	// Language は "auto" または空なら自動判定します。
	Language string
	// WorkDir は一時ファイルの作成先です（空なら OS 既定）。
	WorkDir string
}

// Whisper は ffmpeg で 16kHz モノラル WAV に変換してから whisper.cpp で文字起こしします。
type Whisper struct {
	opts      WhisperOptions
	runner    commandRunner
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
}

// NewWhisper は Whisper を作成します。
func NewWhisper(opts WhisperOptions) *Whisper {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.WhisperPath == "" {
		opts.WhisperPath = "whisper-cli"
	}
	return &Whisper{
		opts:      opts,
		runner:    &execRunner{},
		mkdirTemp: os.MkdirTemp,
		removeAll: os.RemoveAll,
	}
}

// Transcribe は音声を一時領域に書き出し、変換と文字起こしを行います。
func (w *Whisper) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if audio.Body == nil {
		return "", &Error{Stage: StagePreprocessing, Message: "音声データがありません。"}
	}

	modelPath, err := resolveModelPath(w.opts.ModelPath)
	if err != nil {
		return "", &Error{Stage: StageTranscribing, Message: "文字起こしモデルを利用できません。", Err: err}
	}

	workDir, err := w.mkdirTemp(w.opts.WorkDir, "audio-scribe-*")
	if err != nil {
		return "", &Error{Stage: StagePreprocessing, Message: "作業領域の作成に失敗しました。", Err: err}
	}
	defer func() {
		_ = w.removeAll(workDir)
	}()

	inputPath := filepath.Join(workDir, "input"+inputExt(audio.Name))
	if err := writeFile(inputPath, audio.Body); err != nil {
		return "", &Error{Stage: StagePreprocessing, Message: "音声ファイルの読み込みに失敗しました。", Err: err}
	}

	wavPath := filepath.Join(workDir, "preprocessed-16k-mono.wav")
	args := buildFFmpegArgs(inputPath, wavPath)
	res, err := w.runner.Run(ctx, w.opts.FFmpegPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Error{
			Stage:   StagePreprocessing,
			Message: "音声の変換に失敗しました。対応していない形式の可能性があります。",
			Err:     commandError(w.opts.FFmpegPath, res, err),
		}
	}
	if _, err := os.Stat(wavPath); err != nil {
		return "", &Error{Stage: StagePreprocessing, Message: "音声の変換結果が見つかりません。", Err: err}
	}

	textBase := filepath.Join(workDir, "transcript")
	args = buildWhisperArgs(modelPath, wavPath, textBase, w.opts.Language)
	res, err = w.runner.Run(ctx, w.opts.WhisperPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &Error{
			Stage:   StageTranscribing,
			Message: "文字起こしエンジンの実行に失敗しました。",
			Err:     commandError(w.opts.WhisperPath, res, err),
		}
	}

	content, err := os.ReadFile(textBase + ".txt")
	if err != nil {
		return "", &Error{Stage: StageExporting, Message: "文字起こし結果の読み込みに失敗しました。", Err: err}
	}
	return strings.TrimSpace(string(content)), nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func commandError(name string, res commandResult, err error) error {
	stderr := strings.TrimSpace(res.Stderr)
	if len(stderr) > 512 {
		stderr = stderr[len(stderr)-512:]
	}
	return fmt.Errorf("%s exited with %d: %w (stderr=%q)", name, res.ExitCode, err, stderr)
}

func inputExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if ext == "" || len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		return ".bin"
	}
	return ext
}

// resolveModelPath はファイルならそのまま、ディレクトリなら最初のモデルファイルを返します。
func resolveModelPath(raw string) (string, error) {
	modelPath := strings.TrimSpace(raw)
	if modelPath == "" {
		return "", fmt.Errorf("model path is required")
	}
	info, err := os.Stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	entries, err := os.ReadDir(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot read model directory: %s", modelPath)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .bin or .gguf model files found in: %s", modelPath)
	}
	sort.Strings(names)
	return filepath.Join(modelPath, names[0]), nil
}

func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

func buildWhisperArgs(modelPath, audioPath, textBase, language string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", textBase,
		"-otxt",
		"-np",
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}
	return args
}
