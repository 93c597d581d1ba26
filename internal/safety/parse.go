package safety

import (
	"errors"
	"regexp"
	"strings"
)

var ErrUnparseable = errors.New("safety model answer is neither safe nor unsafe")

var codePattern = regexp.MustCompile(`(?i)^S\d{1,2}$`)

// ParseModelResponse reads a guard model answer. Both the two-line form
// "unsafe\nS8,S11" and the single-line form "unsafe,S8, Violent Crimes" are
// accepted. Codes are returned upper-cased in order of appearance; an
// unsafe answer without any yields UnspecifiedCode.
func ParseModelResponse(answer string) (safe bool, codes []string, err error) {
	text := strings.TrimSpace(answer)
	lower := strings.ToLower(text)

	switch {
	case strings.HasPrefix(lower, "unsafe"):
		rest := text[len("unsafe"):]
		seen := map[string]bool{}
		for _, tok := range strings.FieldsFunc(rest, func(r rune) bool {
			return r == ',' || r == '\n' || r == '\r' || r == ' ' || r == '\t' || r == ';' || r == ':'
		}) {
			tok = strings.Trim(tok, ".\"'()[]")
			if !codePattern.MatchString(tok) {
				continue
			}
			code := strings.ToUpper(tok)
			if !seen[code] {
				seen[code] = true
				codes = append(codes, code)
			}
		}
		if len(codes) == 0 {
			codes = []string{UnspecifiedCode}
		}
		return false, codes, nil
	case strings.HasPrefix(lower, "safe"):
		return true, nil, nil
	}
	return false, nil, ErrUnparseable
}

// parseYesNo reads the answer of the vision check.
func parseYesNo(answer string) (yes bool, err error) {
	lower := strings.ToLower(strings.TrimSpace(answer))
	lower = strings.TrimLeft(lower, "\"'*")
	switch {
	case strings.HasPrefix(lower, "yes"), strings.HasPrefix(lower, "ja"):
		return true, nil
	case strings.HasPrefix(lower, "no"), strings.HasPrefix(lower, "nein"):
		return false, nil
	}
	return false, ErrUnparseable
}
