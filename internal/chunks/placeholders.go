package chunks

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Well-known placeholder names.
const (
	PlaceholderInputText       = "INPUT_TEXT"
	PlaceholderUserInput       = "USER_INPUT"
	PlaceholderPreviousOutput  = "PREVIOUS_OUTPUT"
	PlaceholderContext         = "CONTEXT"
	PlaceholderTaskInstruction = "TASK_INSTRUCTION"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// Placeholders lists the distinct names referenced by s, in order of first use.
func Placeholders(s string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
		name := strings.ToUpper(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// HasPlaceholders reports whether s still contains {{NAME}} markers.
func HasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}

// resolver looks a placeholder name up; ok is false when nothing provides it.
type resolver func(name string) (value string, ok bool)

// render substitutes every placeholder in s. Unresolved names become empty
// and are returned so callers can decide whether that is fatal.
func render(s string, lookup resolver) (string, []string) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.ToUpper(placeholderPattern.FindStringSubmatch(m)[1])
		if v, ok := lookup(name); ok {
			return v
		}
		missing = append(missing, name)
		return ""
	})
	return out, missing
}

// scalarString formats config parameter values that may stand in for a
// placeholder. Structured values never do.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(t), false
	}
}
