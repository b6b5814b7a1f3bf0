package judgment

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var codeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// yesNoAnswer is the reply to decision points A and B
type yesNoAnswer struct {
	Answer *bool  `json:"answer"`
	Reason string `json:"reason"`
}

// resourceAnswer is the reply to decision point C
type resourceAnswer struct {
	Resources *int   `json:"resources"`
	Reason    string `json:"reason"`
}

type rationaleAnswer struct {
	Rationale string `json:"rationale"`
}

// ParseYesNo decodes a decision point A or B reply
func ParseYesNo(content string) (bool, string, error) {
	var a yesNoAnswer
	if err := decodeObject(content, &a); err != nil {
		return false, "", err
	}
	if a.Answer == nil {
		return false, "", fmt.Errorf("missing answer field")
	}
	return *a.Answer, a.Reason, nil
}

// ParseResources decodes a decision point C reply
func ParseResources(content string) (int, string, error) {
	var a resourceAnswer
	if err := decodeObject(content, &a); err != nil {
		return 0, "", err
	}
	if a.Resources == nil {
		return 0, "", fmt.Errorf("missing resources field")
	}
	if *a.Resources < 0 {
		return 0, "", fmt.Errorf("negative resource count %d", *a.Resources)
	}
	return *a.Resources, a.Reason, nil
}

// ParseRationale decodes a rationale reply
func ParseRationale(content string) (string, error) {
	var a rationaleAnswer
	if err := decodeObject(content, &a); err != nil {
		return "", err
	}
	r := strings.TrimSpace(a.Rationale)
	if r == "" {
		return "", fmt.Errorf("empty rationale")
	}
	return r, nil
}

func decodeObject(content string, v any) error {
	jsonStr := extractJSON(content)
	if jsonStr == "" {
		return fmt.Errorf("no JSON object found in response")
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to parse judgment: %w", err)
	}
	return nil
}

// extractJSON finds the first JSON object in the content, preferring a fenced code block
func extractJSON(content string) string {
	if m := codeBlockRegex.FindStringSubmatch(content); len(m) > 1 {
		trimmed := strings.TrimSpace(m[1])
		if isJSONObject(trimmed) {
			return trimmed
		}
	}

	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(content[start : i+1])
			}
		}
	}
	return ""
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}
