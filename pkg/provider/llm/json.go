package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned by [ExtractJSON] when content holds no JSON object.
var ErrNoJSON = errors.New("llm: no JSON object in response")

// ExtractJSON decodes the first JSON object in content into v. Markdown code
// fences and leading prose are tolerated because not every backend honours
// JSON mode.
func ExtractJSON(content string, v any) error {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("llm: decode JSON response: %w", err)
	}
	return nil
}
