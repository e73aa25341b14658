package ai

import "strings"

// ExtractJSON strips markdown fences and surrounding prose from model
// output, returning the outermost JSON object or array. It returns the
// trimmed input when no delimiters are found.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	objStart, arrStart := strings.Index(text, "{"), strings.Index(text, "[")
	start, closing := objStart, "}"
	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		start, closing = arrStart, "]"
	}
	if start == -1 {
		return text
	}
	end := strings.LastIndex(text, closing)
	if end <= start {
		return text
	}
	return text[start : end+1]
}
