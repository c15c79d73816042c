package types

import "time"

// Metadata keys denormalized onto every chunk for filtered search.
const (
	MetaCompanyName = "company_name"
	MetaCallType    = "call_type"
	MetaUploadedAt  = "uploaded_at"
	MetaStartTime   = "start_time"
	MetaEndTime     = "end_time"
)

type SearchFilters struct {
	CompanyName string     `json:"company_name,omitempty"`
	CallType    string     `json:"call_type,omitempty"`
	DateFrom    *time.Time `json:"date_from,omitempty"`
	DateTo      *time.Time `json:"date_to,omitempty"`
}

func (f SearchFilters) Empty() bool {
	return f.CompanyName == "" && f.CallType == "" && f.DateFrom == nil && f.DateTo == nil
}

type SearchRequest struct {
	Query    string        `json:"query"`
	Filters  SearchFilters `json:"filters"`
	K        int           `json:"k,omitempty"`
	MinScore *float64      `json:"min_score,omitempty"`
	// Hybrid blends lexical match into the vector score.
	Hybrid bool `json:"hybrid,omitempty"`
}

type SearchResult struct {
	SearchHit
	UploadedAt      *time.Time `json:"uploaded_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
}

type SearchResponse struct {
	Query     string         `json:"query"`
	Results   []SearchResult `json:"results"`
	Total     int            `json:"total"`
	LatencyMs int64          `json:"latency_ms"`
}

type AnswerRequest struct {
	Question       string        `json:"question"`
	Filters        SearchFilters `json:"filters"`
	K              int           `json:"k,omitempty"`
	MinScore       *float64      `json:"min_score,omitempty"`
	Model          string        `json:"model,omitempty"`
	IncludeSources *bool         `json:"include_sources,omitempty"`
}

type Answer struct {
	Question     string      `json:"question"`
	Answer       string      `json:"answer"`
	Sources      []SearchHit `json:"sources"`
	ModelUsed    string      `json:"model_used"`
	TotalSources int         `json:"total_sources"`
	Insufficient bool        `json:"insufficient_context"`
	LatencyMs    int64       `json:"latency_ms"`
}
