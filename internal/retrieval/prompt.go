package retrieval

import (
	"fmt"
	"strings"

	"call-insights-go/internal/types"
)

// SystemPrompt keeps the model on the supplied transcripts.
const SystemPrompt = `You are a helpful AI assistant analyzing sales and support call transcripts.

Your role is to:
- Answer questions based ONLY on the provided call transcript context
- Cite specific calls when making claims (use call IDs like "call_123")
- If the context doesn't contain relevant information, clearly state that
- Be concise but comprehensive in your answers
- Use bullet points or numbered lists for clarity when appropriate

Remember:
- Do NOT make up information not present in the context
- Do NOT use external knowledge beyond the provided transcripts
- Always ground your answers in the specific evidence from the calls`

// BuildUserPrompt wraps the question and the formatted context.
func BuildUserPrompt(question, context string) string {
	return fmt.Sprintf(`Question: %s

Context from call transcripts:
%s

Based on the context above, answer the question. Cite specific calls when possible using their call IDs.`, question, context)
}

// FormatContext labels each passage with its source call, company and
// time range, e.g. "[Source 1 - Call: call_9, Company: Acme, Time: 0.0-12.5s]".
func FormatContext(hits []types.SearchHit) string {
	parts := make([]string, 0, len(hits))
	for i, h := range hits {
		var label strings.Builder
		fmt.Fprintf(&label, "[Source %d - Call: %s", i+1, h.CallID)
		if company, ok := h.Metadata[types.MetaCompanyName].(string); ok && company != "" {
			fmt.Fprintf(&label, ", Company: %s", company)
		}
		start, okStart := asFloat(h.Metadata[types.MetaStartTime])
		end, okEnd := asFloat(h.Metadata[types.MetaEndTime])
		if okStart && okEnd {
			fmt.Fprintf(&label, ", Time: %.1f-%.1fs", start, end)
		}
		label.WriteString("]")
		parts = append(parts, label.String()+"\n"+h.Text+"\n")
	}
	return strings.Join(parts, "\n---\n")
}

// NoContextAnswer is returned instead of calling the model when nothing
// cleared the score threshold.
func NoContextAnswer(question string) string {
	return fmt.Sprintf("I couldn't find relevant information in the call transcripts to answer your question: %q\n\n", question) +
		"This could be because:\n" +
		"- The topic hasn't been discussed in recent calls\n" +
		"- The filters you applied are too restrictive\n" +
		"- The question is about information not typically captured in call transcripts\n\n" +
		"Try:\n" +
		"- Broadening your search filters (e.g., remove date range or company filter)\n" +
		"- Rephrasing your question\n" +
		"- Asking about topics more commonly discussed in sales/support calls"
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
