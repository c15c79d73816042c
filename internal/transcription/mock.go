package transcription

import (
	"context"
	"fmt"
	"os"
	"strings"

	"call-insights-go/internal/types"
)

var mockLines = []string{
	"Thanks for calling support, how can I help you today?",
	"I was charged twice on my last invoice and I would like a refund.",
	"I can see the duplicate payment on your account.",
	"I have issued the refund and it should arrive within five business days.",
}

// MockTranscriber returns a fixed conversation. It is used when
// USE_MOCK_TRANSCRIBE=true.
type MockTranscriber struct{}

func (MockTranscriber) Model() string    { return "mock-whisper" }
func (MockTranscriber) Provider() string { return "mock" }

func (MockTranscriber) Transcribe(ctx context.Context, audioPath string) (*types.Transcription, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	}
	out := &types.Transcription{Language: "en"}
	at := 0.0
	for i, line := range mockLines {
		dur := float64(len(strings.Fields(line))) * 0.4
		out.Segments = append(out.Segments, types.Segment{ID: i, Start: at, End: at + dur, Text: " " + line})
		at += dur
	}
	out.Text = strings.Join(mockLines, " ")
	out.DurationSeconds = at
	return out, nil
}
