package transcription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/types"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "call.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3 fake audio"), 0o600))
	return path
}

func TestWhisperTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "segment", r.FormValue("timestamp_granularities[]"))
		if _, hdr, err := r.FormFile("file"); assert.NoError(t, err) {
			assert.Equal(t, "call.mp3", hdr.Filename)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":     " Hello there. I need help with billing.",
			"language": "english",
			"duration": 6.5,
			"segments": []map[string]any{
				{"id": 0, "start": 0.0, "end": 2.0, "text": " Hello there."},
				{"id": 1, "start": 2.0, "end": 6.5, "text": " I need help with billing."},
			},
		})
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, "sk-test", "", logger.Nop())
	got, err := c.Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)

	assert.Equal(t, "Hello there. I need help with billing.", got.Text)
	assert.Equal(t, 6.5, got.DurationSeconds)
	require.Len(t, got.Segments, 2)
	assert.Equal(t, 2.0, got.Segments[1].Start)
	assert.Equal(t, "whisper-1", c.Model())
	assert.Equal(t, ProviderOpenAI, c.Provider())
}

func TestWhisperErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, types.ErrRateLimited},
		{http.StatusBadGateway, types.ErrUnavailable},
		{http.StatusBadRequest, types.ErrInvalidInput},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		c := NewWhisperClient(srv.URL, "k", "whisper-1", logger.Nop())
		_, err := c.Transcribe(context.Background(), writeAudio(t))
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestMissingAudioIsInvalidInput(t *testing.T) {
	c := NewWhisperClient("http://127.0.0.1:1", "k", "", logger.Nop())
	_, err := c.Transcribe(context.Background(), "/does/not/exist.wav")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestMockTranscriberIsDeterministic(t *testing.T) {
	path := writeAudio(t)
	a, err := MockTranscriber{}.Transcribe(context.Background(), path)
	require.NoError(t, err)
	b, err := MockTranscriber{}.Transcribe(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.Segments)
	assert.Greater(t, a.DurationSeconds, 0.0)
}

func TestCost(t *testing.T) {
	assert.InDelta(t, 0.006, Cost(60), 1e-12)
	assert.InDelta(t, 0.0306, Cost(306), 1e-12)
}
