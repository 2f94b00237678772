package llmadapter

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

// ErrNoStructuredRisk means no recognizable risk draft could be recovered
// from the model output.
var ErrNoStructuredRisk = errors.New("llmadapter: no structured risk found in model output")

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractRiskDraft recovers the structured-risk draft from model output.
// Models are asked for a bare JSON object but routinely wrap it in prose or
// a markdown fence, so three strategies run in order: the whole body as
// JSON, a fenced ```json block, and finally the largest balanced {…} span.
// Whatever is recovered must resolve at least one field through the risk
// alias table, otherwise it was a coincidental JSON-looking substring.
func ExtractRiskDraft(content string) (map[string]any, error) {
	content = strings.TrimSpace(content)

	if draft, ok := tryDraft(content); ok {
		return draft, nil
	}

	if m := fencedJSON.FindStringSubmatch(content); m != nil {
		if draft, ok := tryDraft(m[1]); ok {
			return draft, nil
		}
	}

	if span := largestObjectSpan(content); span != "" {
		if draft, ok := tryDraft(span); ok {
			return draft, nil
		}
	}
	return nil, ErrNoStructuredRisk
}

func tryDraft(candidate string) (map[string]any, bool) {
	var draft map[string]any
	if err := json.Unmarshal([]byte(candidate), &draft); err != nil {
		return nil, false
	}
	if _, resolved := domain.ResolveStructuredRisk(draft); resolved == 0 {
		return nil, false
	}
	return draft, true
}

// largestObjectSpan returns the longest balanced {…} substring, tracking
// string literals so braces inside values do not confuse the scan.
func largestObjectSpan(s string) string {
	best := ""
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if span := s[start : i+1]; len(span) > len(best) {
					best = span
				}
			}
		}
	}
	return best
}
