package types

import "time"

type Status string

const (
	StatusUploaded     Status = "uploaded"
	StatusTranscribing Status = "transcribing"
	StatusTranscribed  Status = "transcribed"
	StatusAnalyzing    Status = "analyzing"
	StatusAnalyzed     Status = "analyzed"
	StatusIndexed      Status = "indexed"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var statusRank = map[Status]int{
	StatusUploaded:     1,
	StatusTranscribing: 2,
	StatusTranscribed:  3,
	StatusAnalyzing:    4,
	StatusAnalyzed:     5,
	StatusIndexed:      6,
	StatusCompleted:    7,
}

// Rank is the position of s in the pipeline order. Failed and unknown
// statuses rank 0.
func (s Status) Rank() int {
	return statusRank[s]
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// Terminal reports whether no pipeline stage may move the call further.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Transcript struct {
	FullText        string    `json:"full_text"`
	Segments        []Segment `json:"segments"`
	WordCount       int       `json:"word_count"`
	DurationSeconds float64   `json:"duration"`
	Language        string    `json:"language,omitempty"`
}

type EmbeddingInfo struct {
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// StageMetadata is one append-only record per pipeline stage.
type StageMetadata struct {
	Model           string  `json:"model"`
	Provider        string  `json:"provider"`
	DurationSeconds float64 `json:"duration_seconds"`
	CostUSD         float64 `json:"cost_usd"`
	ChunkCount      int     `json:"chunk_count,omitempty"`
	APICalls        int     `json:"api_calls,omitempty"`
}

type CallError struct {
	Message    string    `json:"message"`
	Stage      string    `json:"stage,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

type Call struct {
	CallID             string                   `json:"call_id"`
	Status             Status                   `json:"status"`
	AudioRef           string                   `json:"audio_ref"`
	CompanyName        string                   `json:"company_name,omitempty"`
	CallType           string                   `json:"call_type,omitempty"`
	UploadedAt         time.Time                `json:"uploaded_at"`
	Transcript         *Transcript              `json:"transcript,omitempty"`
	Embeddings         *EmbeddingInfo           `json:"embeddings,omitempty"`
	ProcessingMetadata map[string]StageMetadata `json:"processing_metadata,omitempty"`
	Error              *CallError               `json:"error,omitempty"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// DurationSeconds is the transcribed audio length, zero before transcription.
func (c *Call) DurationSeconds() float64 {
	if c.Transcript == nil {
		return 0
	}
	return c.Transcript.DurationSeconds
}

// Transcription is what a speech-to-text provider returns for one file.
type Transcription struct {
	Text            string
	Segments        []Segment
	Language        string
	DurationSeconds float64
}

type Chunk struct {
	ChunkID        string         `json:"chunk_id"`
	CallID         string         `json:"call_id"`
	ChunkIndex     int            `json:"chunk_index"`
	Text           string         `json:"text"`
	CharacterCount int            `json:"character_count"`
	WordCount      int            `json:"word_count"`
	StartTime      *float64       `json:"start_time"`
	EndTime        *float64       `json:"end_time"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type VectorRecord struct {
	ChunkID    string         `json:"chunk_id"`
	CallID     string         `json:"call_id"`
	ChunkIndex int            `json:"chunk_index"`
	Vector     []float32      `json:"embedding"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
}

type SearchHit struct {
	ChunkID    string         `json:"chunk_id"`
	CallID     string         `json:"call_id"`
	ChunkIndex int            `json:"chunk_index"`
	Score      float64        `json:"score"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata"`
}
