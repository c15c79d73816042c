package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var citedCall = regexp.MustCompile(`Call: ([^,\]]+)`)

// MockGenerator answers offline by citing every call named in the context.
type MockGenerator struct{}

func (MockGenerator) DefaultModel() string { return "mock" }

func (MockGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	seen := map[string]bool{}
	var ids []string
	for _, m := range citedCall.FindAllStringSubmatch(p.User, -1) {
		id := strings.TrimSpace(m[1])
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "The provided context does not contain enough information to answer.", nil
	}
	return fmt.Sprintf("Based on the call transcripts, the relevant discussion appears in %s.", strings.Join(ids, ", ")), nil
}
