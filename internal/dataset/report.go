package dataset

import (
	"fmt"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"call-insights-go/internal/actionable"
	"call-insights-go/internal/aggregator"
)

const (
	SheetSummary = "Summary"
	SheetStages  = "Stages"
	SheetActions = "Actions"
)

// WriteReport exports r and its action cards as an xlsx workbook.
func WriteReport(path string, r aggregator.Report, cards []actionable.ActionCard) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetStages, SheetActions} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("new sheet %s: %w", name, err)
		}
	}

	summary := [][]interface{}{
		{"Metric", "Value"},
		{"Generated at", r.GeneratedAt.Format(time.RFC3339)},
		{"Total calls", r.TotalCalls},
		{"Audio minutes", round2(r.AudioSeconds / 60)},
		{"Total cost (USD)", r.TotalCostUSD},
		{"Stalled calls", len(r.Stalled)},
	}
	for _, k := range sortedKeys(r.ByStatus) {
		summary = append(summary, []interface{}{"Status: " + k, r.ByStatus[k]})
	}
	for _, k := range sortedKeys(r.ByCompany) {
		summary = append(summary, []interface{}{"Company: " + k, r.ByCompany[k]})
	}
	for _, k := range sortedKeys(r.ByCallType) {
		summary = append(summary, []interface{}{"Call type: " + k, r.ByCallType[k]})
	}
	if err := writeRows(f, SheetSummary, summary); err != nil {
		return err
	}

	stages := [][]interface{}{{"Stage", "Calls", "Failures", "Failure rate", "Avg seconds", "Total cost (USD)"}}
	for _, name := range r.StageNames() {
		s := r.Stages[name]
		stages = append(stages, []interface{}{name, s.Calls, s.Failures, round2(s.FailureRate), round2(s.AvgSeconds), s.TotalCostUSD})
	}
	if err := writeRows(f, SheetStages, stages); err != nil {
		return err
	}

	actions := [][]interface{}{{"Insight", "Action", "Impact"}}
	for _, c := range cards {
		actions = append(actions, []interface{}{c.Insight, c.Action, c.Impact})
	}
	if err := writeRows(f, SheetActions, actions); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		row := row
		if err := f.SetSheetRow(sheet, cellRef, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
