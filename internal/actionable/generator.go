// Package actionable turns an aggregate report into operator action cards.
package actionable

import (
	"fmt"

	"call-insights-go/internal/aggregator"
)

// FailureRateThreshold is the stage failure rate that warrants an action.
const FailureRateThreshold = 0.35

type ActionCard struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

var stageActions = map[string]string{
	"transcription": "Check speech-to-text quota and audio formats, then redrive failed calls",
	"embedding":     "Check the embedding model dimension against the index, then redrive failed calls",
}

func Generate(r aggregator.Report) []ActionCard {
	var cards []ActionCard

	worst := ""
	highest := 0.0
	for _, name := range r.StageNames() {
		if rate := r.Stages[name].FailureRate; rate > highest {
			highest = rate
			worst = name
		}
	}
	if highest >= FailureRateThreshold && worst != "" {
		action, ok := stageActions[worst]
		if !ok {
			action = "Inspect call errors for the stage and redrive failed calls"
		}
		cards = append(cards, ActionCard{
			Insight: fmt.Sprintf("High failure rate in %s (%.0f%%)", worst, highest*100),
			Action:  action,
			Impact:  "Calls stay out of search until the stage succeeds",
		})
	}

	if n := len(r.Stalled); n > 0 {
		cards = append(cards, ActionCard{
			Insight: fmt.Sprintf("%d call(s) stuck in transcription for over %s", n, aggregator.StallAfter),
			Action:  "Redrive the stalled calls; a worker likely stopped mid-stage",
			Impact:  "Unblocks indexing for the affected calls",
		})
	}

	if len(cards) == 0 {
		cards = append(cards, ActionCard{
			Insight: "No failure pattern detected",
			Action:  "Monitor and collect more data",
			Impact:  "Low immediate intervention",
		})
	}
	return cards
}
