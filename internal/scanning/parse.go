package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// codeResult is the JSON shape the vision models are asked to return
type codeResult struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

// parseCodeJSON extracts the decoded code text from a model response
func parseCodeJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// The model sometimes wraps the object in prose; keep the outermost braces
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}

	var result codeResult
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &result); err != nil {
		return "", fmt.Errorf("unmarshaling json: %w", err)
	}

	// Payment codes are exact strings: only surrounding whitespace is trimmed
	code := strings.TrimSpace(result.Text)
	if !result.Found || code == "" {
		return "", ErrNoCode
	}
	return code, nil
}
