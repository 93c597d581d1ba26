// Package filters holds the fast, string-matching tier of the safety gate.
package filters

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/joeriben/ai4artsed-webserver-sub001/internal/types"
)

const FileName = "filter_terms.json"

var ErrEmptyTable = errors.New("filter table has no terms")

// Set names one list in filter_terms.json.
type Set string

const (
	SetStage1 Set = "stage1"
	SetKids   Set = "kids"
	SetYouth  Set = "youth"
)

type fileFormat struct {
	Stage1 []string `json:"stage1"`
	Kids   []string `json:"kids"`
	Youth  []string `json:"youth"`
}

// Table is immutable after construction and safe for concurrent use.
type Table struct {
	sets map[Set][]string
}

func New(stage1, kids, youth []string) *Table {
	return &Table{sets: map[Set][]string{
		SetStage1: normalize(stage1),
		SetKids:   normalize(kids),
		SetYouth:  normalize(youth),
	}}
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter terms: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse filter terms: %w", err)
	}
	t := New(f.Stage1, f.Kids, f.Youth)
	if t.Len() == 0 {
		return nil, ErrEmptyTable
	}
	return t, nil
}

func normalize(terms []string) []string {
	out := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return out
}

func (t *Table) Len() int {
	n := 0
	for _, terms := range t.sets {
		n += len(terms)
	}
	return n
}

func (t *Table) Terms(s Set) []string {
	return append([]string(nil), t.sets[s]...)
}

// SetsFor lists which term sets apply at a safety level.
func SetsFor(level types.SafetyLevel) []Set {
	switch level {
	case types.SafetyKids:
		return []Set{SetStage1, SetKids}
	case types.SafetyYouth:
		return []Set{SetStage1, SetYouth}
	case types.SafetyResearch:
		return []Set{SetStage1}
	default:
		return nil
	}
}

// inflections may follow a term before the word boundary, so plural and
// declined forms still match.
var inflections = []string{"s", "es", "e", "en", "n", "er", "ers", "ern"}

// Check scans text for every term active at level. Matching is
// case-insensitive and anchored on word boundaries. A term listed in more
// than one active set is reported once.
func (t *Table) Check(text string, level types.SafetyLevel) (bool, []string) {
	var matches []string
	seen := map[string]struct{}{}
	for _, set := range SetsFor(level) {
		for _, term := range t.sets[set] {
			if _, ok := seen[term]; ok {
				continue
			}
			if containsWord(text, term) {
				seen[term] = struct{}{}
				matches = append(matches, term)
			}
		}
	}
	return len(matches) > 0, matches
}

// containsWord finds term or one of its inflected forms in text without
// allocating. term must already be lower case.
func containsWord(text, term string) bool {
	for i := 0; i < len(text); {
		if n, ok := foldPrefixLen(text[i:], term); ok && boundaryBefore(text, i) && inflectedEnd(text, i+n) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		i += size
	}
	return false
}

func inflectedEnd(text string, j int) bool {
	if boundaryAfter(text, j) {
		return true
	}
	for _, suffix := range inflections {
		if n, ok := foldPrefixLen(text[j:], suffix); ok && boundaryAfter(text, j+n) {
			return true
		}
	}
	return false
}

// foldPrefixLen reports whether s starts with lowerPrefix ignoring case and
// how many bytes of s the match consumed.
func foldPrefixLen(s, lowerPrefix string) (int, bool) {
	consumed := 0
	for _, want := range lowerPrefix {
		if consumed >= len(s) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(s[consumed:])
		if got != want && unicode.ToLower(got) != want {
			return 0, false
		}
		consumed += size
	}
	return consumed, true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, j int) bool {
	if j >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[j:])
	return !isWordRune(r)
}
