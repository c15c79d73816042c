package dataset

import "call-insights-go/internal/logger"

const unknown = "unknown"

type Summary struct {
	TotalCalls int            `json:"total_calls"`
	ByCallType map[string]int `json:"by_call_type"`
	ByCompany  map[string]int `json:"by_company"`
}

func Summarize(records []Record) Summary {
	s := Summary{
		TotalCalls: len(records),
		ByCallType: map[string]int{},
		ByCompany:  map[string]int{},
	}
	for _, r := range records {
		s.ByCallType[orUnknown(r.CallType)]++
		s.ByCompany[orUnknown(r.CompanyName)]++
	}
	return s
}

// LoadAndSummarize reads the sheet at path and summarizes its records.
func LoadAndSummarize(path string, log *logger.Logger) ([]Record, Summary, error) {
	if log == nil {
		log = logger.New()
	}
	entry := log.Component("dataset.summary").WithField("path", path)
	entry.Info("opening dataset")

	records, err := Load(path)
	if err != nil {
		entry.WithField("error", err.Error()).Error("load failed")
		return nil, Summary{}, err
	}
	s := Summarize(records)
	entry.WithFields(map[string]interface{}{
		"total_calls": s.TotalCalls,
		"call_types":  len(s.ByCallType),
		"companies":   len(s.ByCompany),
	}).Info("dataset summarization complete")
	return records, s, nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
