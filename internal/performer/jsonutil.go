package performer

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedObject  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")
	bareObject    = regexp.MustCompile(`(?s)\{.*\}`)
	fencedArray   = regexp.MustCompile("(?s)```(?:json|python)?\\s*(\\[.*\\])\\s*```")
	bareArray     = regexp.MustCompile(`(?s)\[.*\]`)
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// extractObject returns the JSON object embedded in a model reply, or "".
// Markdown fences are preferred over the outermost braces.
func extractObject(reply string) string {
	if m := fencedObject.FindStringSubmatch(reply); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(bareObject.FindString(reply))
}

// extractArray returns the list embedded in a model reply, or "".
func extractArray(reply string) string {
	if m := fencedArray.FindStringSubmatch(reply); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(bareArray.FindString(reply))
}

// decodeLenient unmarshals raw into v. Only when that fails is it retried
// with trailing commas removed, so string values are left alone when the
// payload is already valid.
func decodeLenient(raw string, v any) error {
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}
	cleaned := trailingComma.ReplaceAllString(raw, "$1")
	if cleaned == raw {
		return err
	}
	if json.Unmarshal([]byte(cleaned), v) != nil {
		return err
	}
	return nil
}
