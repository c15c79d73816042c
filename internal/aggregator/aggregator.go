// Package aggregator rolls call documents up into an operational report.
package aggregator

import (
	"math"
	"sort"
	"time"

	"call-insights-go/internal/types"
)

// StallAfter is how long a call may sit in a claimed stage status before
// the report counts it as stalled.
const StallAfter = 30 * time.Minute

type StageStats struct {
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	TotalSeconds float64 `json:"total_seconds"`
	AvgSeconds   float64 `json:"avg_seconds"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	// FailureRate is failures over calls that reached or failed the stage.
	FailureRate float64 `json:"failure_rate"`
}

type Report struct {
	GeneratedAt  time.Time             `json:"generated_at"`
	TotalCalls   int                   `json:"total_calls"`
	ByStatus     map[string]int        `json:"by_status"`
	ByCompany    map[string]int        `json:"by_company"`
	ByCallType   map[string]int        `json:"by_call_type"`
	Stages       map[string]StageStats `json:"stages"`
	Stalled      []string              `json:"stalled,omitempty"`
	AudioSeconds float64               `json:"audio_seconds"`
	TotalCostUSD float64               `json:"total_cost_usd"`
}

// StageNames returns the report's stages in a stable order.
func (r Report) StageNames() []string {
	names := make([]string, 0, len(r.Stages))
	for n := range r.Stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func Aggregate(calls []*types.Call) Report {
	return AggregateAt(calls, time.Now().UTC())
}

func AggregateAt(calls []*types.Call, now time.Time) Report {
	r := Report{
		GeneratedAt: now,
		ByStatus:    map[string]int{},
		ByCompany:   map[string]int{},
		ByCallType:  map[string]int{},
		Stages:      map[string]StageStats{},
	}
	for _, c := range calls {
		if c == nil {
			continue
		}
		r.TotalCalls++
		r.ByStatus[string(c.Status)]++
		if c.CompanyName != "" {
			r.ByCompany[c.CompanyName]++
		}
		if c.CallType != "" {
			r.ByCallType[c.CallType]++
		}
		r.AudioSeconds += c.DurationSeconds()

		for key, meta := range c.ProcessingMetadata {
			stage := stageName(key)
			s := r.Stages[stage]
			s.Calls++
			s.TotalSeconds += meta.DurationSeconds
			s.TotalCostUSD += meta.CostUSD
			r.Stages[stage] = s
			r.TotalCostUSD += meta.CostUSD
		}
		if c.Status == types.StatusFailed && c.Error != nil && c.Error.Stage != "" {
			s := r.Stages[c.Error.Stage]
			s.Failures++
			r.Stages[c.Error.Stage] = s
		}
		if stalled(c, now) {
			r.Stalled = append(r.Stalled, c.CallID)
		}
	}

	for name, s := range r.Stages {
		if s.Calls > 0 {
			s.AvgSeconds = s.TotalSeconds / float64(s.Calls)
		}
		if attempted := s.Calls + s.Failures; attempted > 0 {
			s.FailureRate = float64(s.Failures) / float64(attempted)
		}
		s.TotalCostUSD = round(s.TotalCostUSD, 6)
		r.Stages[name] = s
	}
	r.TotalCostUSD = round(r.TotalCostUSD, 6)
	sort.Strings(r.Stalled)
	return r
}

// stageName maps a processing_metadata key onto the pipeline stage that
// wrote it, so metadata and failures roll up under one name.
func stageName(metaKey string) string {
	if metaKey == "embeddings" {
		return string(types.StageEmbedding)
	}
	return metaKey
}

// stalled reports a call left in a claimed status, typically by a worker
// that died without releasing it.
func stalled(c *types.Call, now time.Time) bool {
	if c.Status != types.StatusTranscribing {
		return false
	}
	return !c.UpdatedAt.IsZero() && now.Sub(c.UpdatedAt) > StallAfter
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
