package classification

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrParseFailed is returned when an engine response cannot be parsed as
// a classification result, directly or from a markdown code fence.
var ErrParseFailed = errors.New("failed to parse engine response")

// Result is the structured answer expected from the engine.
type Result struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

var jsonBlockRegex = regexp.MustCompile(`(?s)` + "```" + `(?:json)?\s*\n?(.*?)\n?` + "```")

// parseResult unmarshals raw as a Result. Models sometimes wrap the JSON
// in a markdown fence or leading prose despite the JSON-mode request, so
// a failed direct parse retries on the fenced block, then on the first
// top-level object.
func parseResult(raw string) (Result, error) {
	raw = strings.TrimSpace(raw)

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err == nil {
		return result, nil
	}

	if matches := jsonBlockRegex.FindStringSubmatch(raw); len(matches) >= 2 {
		if err := json.Unmarshal([]byte(strings.TrimSpace(matches[1])), &result); err == nil {
			return result, nil
		}
	}

	if obj := extractJSONObject(raw); obj != raw {
		if err := json.Unmarshal([]byte(obj), &result); err == nil {
			return result, nil
		}
	}
	return Result{}, ErrParseFailed
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
