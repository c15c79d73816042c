// Package transcription talks to speech-to-text providers.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

const (
	// PerMinuteRateUSD is the Whisper list price per audio minute.
	PerMinuteRateUSD = 0.006
	ProviderOpenAI   = "openai"
)

// Transcriber turns a local audio file into timed text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*types.Transcription, error)
	Model() string
	Provider() string
}

// Cost is the provider charge for the given audio length.
func Cost(durationSeconds float64) float64 {
	return durationSeconds / 60 * PerMinuteRateUSD
}

type WhisperClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	log     *logger.Logger
}

func NewWhisperClient(baseURL, apiKey, model string, log *logger.Logger) *WhisperClient {
	if model == "" {
		model = "whisper-1"
	}
	if log == nil {
		log = logger.New()
	}
	return &WhisperClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 10 * time.Minute},
		log:     log.Component("transcription"),
	}
}

func (w *WhisperClient) Model() string    { return w.model }
func (w *WhisperClient) Provider() string { return ProviderOpenAI }

type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe performs one request. Retries belong to the caller.
func (w *WhisperClient) Transcribe(ctx context.Context, audioPath string) (*types.Transcription, error) {
	body, contentType, err := buildForm(audioPath, w.model)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", types.ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	var resp verboseResponse
	if err := doJSON(w.http, req, &resp); err != nil {
		return nil, err
	}
	w.log.WithField("audio", filepath.Base(audioPath)).
		WithField("segments", len(resp.Segments)).
		WithField("duration", resp.Duration).
		Info("transcription received")

	out := &types.Transcription{
		Text:            strings.TrimSpace(resp.Text),
		Language:        resp.Language,
		DurationSeconds: resp.Duration,
		Segments:        make([]types.Segment, 0, len(resp.Segments)),
	}
	for _, s := range resp.Segments {
		out.Segments = append(out.Segments, types.Segment{ID: s.ID, Start: s.Start, End: s.End, Text: s.Text})
	}
	if out.DurationSeconds == 0 && len(out.Segments) > 0 {
		out.DurationSeconds = out.Segments[len(out.Segments)-1].End
	}
	return out, nil
}

func buildForm(audioPath, model string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: open audio: %v", types.ErrInvalidInput, err)
	}
	defer f.Close()

	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("%w: read audio: %v", types.ErrInvalidInput, err)
	}
	_ = mw.WriteField("model", model)
	_ = mw.WriteField("response_format", "verbose_json")
	_ = mw.WriteField("timestamp_granularities[]", "segment")
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &b, mw.FormDataContentType(), nil
}

// doJSON maps provider status codes onto the error taxonomy:
// 429 is RateLimited, 5xx and transport failures are Unavailable and any
// other 4xx is InvalidInput.
func doJSON(client *http.Client, req *http.Request, target interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", types.ErrRateLimited, resp.StatusCode, snippet(body))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server error %d: %s", types.ErrUnavailable, resp.StatusCode, snippet(body))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d: %s", types.ErrInvalidInput, resp.StatusCode, snippet(body))
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", types.ErrUnavailable)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("%w: json decode error: %v body=%s", types.ErrUnavailable, err, snippet(body))
	}
	return nil
}

func snippet(b []byte) string {
	const max = 300
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
