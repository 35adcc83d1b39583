package chatbot

import "strings"

// ParseTrigger reports whether text addresses the bot and returns the query
// that follows prefix. Matching ignores case and surrounding whitespace; a
// bare prefix with nothing after it is not a trigger.
func ParseTrigger(prefix, text string) (string, bool) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", false
	}
	text = strings.TrimSpace(text)
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return "", false
	}
	query := strings.TrimSpace(text[len(prefix):])
	if query == "" {
		return "", false
	}
	return query, true
}
