package agent

import (
	"strings"

	"github.com/nextlevelbuilder/loopgate/internal/store"
)

// germanMarkers are high-frequency German function words used for lexical
// language detection. Three or more distinct hits in a message classify it
// as German.
var germanMarkers = []string{
	"der", "die", "das", "und", "ich", "du", "sie", "wir", "ihr",
	"nicht", "ist", "sind", "war", "ein", "eine", "einen", "mit",
	"für", "auf", "aus", "bei", "nach", "über", "haben", "hat",
	"bitte", "danke", "kein", "keine", "auch", "aber", "oder",
	"wie", "was", "warum", "wann", "heute", "morgen", "können",
	"müssen", "möchte", "machen", "geht", "gibt",
}

// DetectLanguage classifies a message as "de" or "en" by counting distinct
// German marker words. Fewer than three markers defaults to English.
func DetectLanguage(message string) string {
	words := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !isWordRune(r)
	})
	present := make(map[string]bool, len(words))
	for _, w := range words {
		present[w] = true
	}

	hits := 0
	for _, marker := range germanMarkers {
		if present[marker] {
			hits++
			if hits >= 3 {
				return "de"
			}
		}
	}
	return "en"
}

func isWordRune(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	// German letters outside ASCII.
	switch r {
	case 'ä', 'ö', 'ü', 'Ä', 'Ö', 'Ü', 'ß':
		return true
	}
	return false
}

// personaBlock renders the persona into explicit prompt instructions.
// Language "auto" is resolved from the user message.
func personaBlock(p *store.Persona, userMessage string) string {
	if p == nil {
		return ""
	}

	var b strings.Builder
	lang := p.Language
	if lang == "auto" || lang == "" {
		lang = DetectLanguage(userMessage)
	}
	switch lang {
	case "de":
		b.WriteString("Antworte auf Deutsch.")
	case "en":
		b.WriteString("Respond in English.")
	default:
		b.WriteString("Respond in the language with code \"" + lang + "\".")
	}

	if p.Style != "" {
		b.WriteString("\nStyle: " + p.Style)
	}

	switch p.EmojiPolicy {
	case "none":
		b.WriteString("\nDo not use emojis.")
	case "minimal":
		b.WriteString("\nUse emojis sparingly; at most one per reply, only where it genuinely helps.")
	case "moderate":
		b.WriteString("\nUse emojis where they add warmth or clarity.")
	case "heavy":
		b.WriteString("\nUse emojis generously to keep the tone lively.")
	}

	return b.String()
}
