// Package dataset imports call lists from spreadsheets, backfills their
// audio into the pipeline and exports aggregate reports.
package dataset

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Record is one spreadsheet row describing a recorded call.
type Record struct {
	CallID      string `json:"call_id"`
	AudioURL    string `json:"audio_url"`
	CompanyName string `json:"company_name"`
	CallType    string `json:"call_type"`
}

// Load reads the first sheet and auto-detects columns by header heuristics.
// Rows whose audio column is not an http(s) URL are skipped.
func Load(path string) ([]Record, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	cols := detectColumns(rows[0])
	var out []Record
	for _, r := range rows[1:] {
		rec := Record{
			CallID:      cell(r, cols.callID),
			AudioURL:    cell(r, cols.audio),
			CompanyName: cell(r, cols.company),
			CallType:    cell(r, cols.callType),
		}
		if !isHTTP(rec.AudioURL) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

type columns struct {
	audio, callID, company, callType int
}

func detectColumns(header []string) columns {
	c := columns{audio: -1, callID: -1, company: -1, callType: -1}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "audio") || strings.Contains(l, "record") || strings.Contains(l, "call") && strings.Contains(l, "link") || strings.Contains(l, "url"):
			if c.audio == -1 {
				c.audio = i
			}
		case strings.Contains(l, "company") || strings.Contains(l, "customer") || strings.Contains(l, "account"):
			if c.company == -1 {
				c.company = i
			}
		case strings.Contains(l, "type") || strings.Contains(l, "category"):
			if c.callType == -1 {
				c.callType = i
			}
		case strings.Contains(l, "call id") || strings.Contains(l, "callid") || strings.Contains(l, "id"):
			if c.callID == -1 {
				c.callID = i
			}
		}
	}
	// common export layout keeps the recording link in the fifth column
	if c.audio == -1 && len(header) > 4 {
		c.audio = 4
	}
	return c
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isHTTP(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}
