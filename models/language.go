package models

import "strings"

// Voice is one of the prebuilt synthetic voices.
type Voice string

const (
	VoicePuck   Voice = "Puck"
	VoiceCharon Voice = "Charon"
	VoiceKore   Voice = "Kore"
	VoiceFenrir Voice = "Fenrir"
	VoiceAoede  Voice = "Aoede"
)

// LanguageOption ties a locale to the language name used in prompts and a voice.
type LanguageOption struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Voice       Voice  `json:"voice"`
}

var languages = []LanguageOption{
	{Code: "en-US", Name: "English", DisplayName: "English", Voice: VoicePuck},
	{Code: "es-ES", Name: "Spanish", DisplayName: "Español", Voice: VoiceKore},
	{Code: "fr-FR", Name: "French", DisplayName: "Français", Voice: VoiceCharon},
	{Code: "de-DE", Name: "German", DisplayName: "Deutsch", Voice: VoiceFenrir},
	{Code: "it-IT", Name: "Italian", DisplayName: "Italiano", Voice: VoiceAoede},
	{Code: "pt-BR", Name: "Portuguese", DisplayName: "Português", Voice: VoiceKore},
	{Code: "hi-IN", Name: "Hindi", DisplayName: "हिन्दी", Voice: VoicePuck},
	{Code: "ja-JP", Name: "Japanese", DisplayName: "日本語", Voice: VoiceAoede},
}

// Languages returns a copy of the supported language catalog.
func Languages() []LanguageOption {
	out := make([]LanguageOption, len(languages))
	copy(out, languages)
	return out
}

// DefaultLanguage is the first catalog entry.
func DefaultLanguage() LanguageOption {
	return languages[0]
}

// LookupLanguage finds a catalog entry by locale code, case-insensitively.
func LookupLanguage(code string) (LanguageOption, bool) {
	code = strings.TrimSpace(code)
	for _, lang := range languages {
		if strings.EqualFold(lang.Code, code) {
			return lang, true
		}
	}
	return LanguageOption{}, false
}

// ValidSpeechRate reports whether rate can be used for synthesis.
func ValidSpeechRate(rate float64) bool {
	return rate > 0 && rate <= MaxSpeechRate
}
