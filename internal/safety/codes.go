package safety

import (
	"fmt"
	"strings"
)

type localizedText struct {
	en, de string
}

func (l localizedText) get(lang string) string {
	if strings.HasPrefix(strings.ToLower(lang), "de") && l.de != "" {
		return l.de
	}
	return l.en
}

// UnspecifiedCode stands in for an unsafe answer that names no category.
const UnspecifiedCode = "S0"

// Hazard categories of the guard model.
var codeNames = map[string]localizedText{
	"S0":  {"Unspecified Hazard", "Nicht näher bestimmte Gefahr"},
	"S1":  {"Violent Crimes", "Gewaltverbrechen"},
	"S2":  {"Non-Violent Crimes", "Gewaltfreie Straftaten"},
	"S3":  {"Sex-Related Crimes", "Sexualstraftaten"},
	"S4":  {"Child Sexual Exploitation", "Sexuelle Ausbeutung von Kindern"},
	"S5":  {"Defamation", "Verleumdung"},
	"S6":  {"Specialized Advice", "Gefährliche Fachberatung"},
	"S7":  {"Privacy", "Verletzung der Privatsphäre"},
	"S8":  {"Intellectual Property", "Geistiges Eigentum"},
	"S9":  {"Indiscriminate Weapons", "Massenvernichtungswaffen"},
	"S10": {"Hate", "Hass"},
	"S11": {"Suicide & Self-Harm", "Suizid und Selbstverletzung"},
	"S12": {"Sexual Content", "Sexuelle Inhalte"},
	"S13": {"Elections", "Wahlen"},
	"S14": {"Code Interpreter Abuse", "Missbrauch von Code-Interpretern"},
}

var (
	msgInputBlocked = localizedText{
		"Your prompt was blocked by the safety check",
		"Dein Prompt wurde von der Sicherheitsprüfung blockiert",
	}
	msgImageBlocked = localizedText{
		"The generated image is not appropriate for %s",
		"Das erzeugte Bild ist nicht geeignet für %s",
	}
	audiences = map[string]localizedText{
		"kids":  {"children aged 6 to 12", "Kinder von 6 bis 12 Jahren"},
		"youth": {"teenagers aged 14 to 18", "Jugendliche von 14 bis 18 Jahren"},
	}
)

// CodeName returns the localized name of a hazard code, or the code itself
// when it is unknown.
func CodeName(code, lang string) string {
	if n, ok := codeNames[strings.ToUpper(code)]; ok {
		return n.get(lang)
	}
	return code
}

// Describe renders codes as "Name (Sx), Name (Sy)" in lang.
func Describe(codes []string, lang string) string {
	parts := make([]string, 0, len(codes))
	for _, c := range codes {
		name := CodeName(c, lang)
		if name == c {
			parts = append(parts, c)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", name, c))
	}
	return strings.Join(parts, ", ")
}

func inputReason(codes []string, lang string) string {
	msg := msgInputBlocked.get(lang)
	if len(codes) == 0 {
		return msg + "."
	}
	return msg + ": " + Describe(codes, lang) + "."
}

func imageReason(level, lang string) string {
	aud, ok := audiences[level]
	if !ok {
		aud = localizedText{"this audience", "diese Zielgruppe"}
	}
	return fmt.Sprintf(msgImageBlocked.get(lang), aud.get(lang)) + "."
}
