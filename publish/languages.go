package publish

import (
	"strings"

	lingua "github.com/pemistahl/lingua-go"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// languageDetector tags post text with an ISO 639-1 code chosen among the
// configured languages
type languageDetector struct {
	fixed    []string
	detector lingua.LanguageDetector
	codes    map[lingua.Language]string
}

func newLanguageDetector(codes []string) *languageDetector {
	supported := getSupportedLanguages()
	byCode := lo.Invert(supported)

	var languages []lingua.Language
	var known []string
	for _, code := range codes {
		code = strings.ToLower(strings.TrimSpace(code))
		lang, ok := byCode[code]
		if !ok {
			log.WithField("language", code).Warn("Ignoring unsupported language")
			continue
		}
		languages = append(languages, lang)
		known = append(known, code)
	}

	switch len(languages) {
	case 0:
		return &languageDetector{}
	case 1:
		// lingua needs at least two candidates, one language needs no detection
		return &languageDetector{fixed: known}
	}

	return &languageDetector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(languages...).
			WithMinimumRelativeDistance(0.1).
			Build(),
		codes: supported,
	}
}

// Detect returns the language tags for text, or nil when unsure
func (d *languageDetector) Detect(text string) []string {
	if d == nil {
		return nil
	}
	if d.detector == nil {
		return d.fixed
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return nil
	}
	if code, ok := d.codes[lang]; ok {
		return []string{code}
	}
	return nil
}

// getSupportedLanguages maps every lingua language to its ISO 639-1 code
func getSupportedLanguages() map[lingua.Language]string {
	languages := make(map[lingua.Language]string)
	for _, lang := range lingua.AllLanguages() {
		languages[lang] = strings.ToLower(lang.IsoCode639_1().String())
	}
	return languages
}
