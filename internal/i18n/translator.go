// Package i18n renders API error messages and notification texts in the
// user's language.
package i18n

import (
	"embed"
	"log/slog"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

//go:embed active.*.toml
var localeFS embed.FS

// Locales lists every locale a user profile may carry. Translations that
// are missing for a locale fall back to the default language.
var Locales = []string{"en", "vi", "ko", "zh", "ru", "fr", "ja", "ms", "th", "de", "es", "id"}

// Translator is a thin wrapper around a go-i18n bundle.
type Translator struct {
	bundle   *i18n.Bundle
	fallback language.Tag
	matcher  language.Matcher
	tags     []language.Tag
	log      *slog.Logger
}

// NewTranslator loads the embedded message files. defaultLocale is used
// when a message is missing in the requested locale.
func NewTranslator(defaultLocale string, log *slog.Logger) *Translator {
	fallback, err := language.Parse(defaultLocale)
	if err != nil {
		fallback = language.English
	}
	bundle := i18n.NewBundle(fallback)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	files, _ := localeFS.ReadDir(".")
	for _, f := range files {
		if _, err := bundle.LoadMessageFileFS(localeFS, f.Name()); err != nil {
			log.Warn("i18n: failed to load message file", "file", f.Name(), "error", err)
		}
	}

	// The matcher falls back to its first tag.
	tags := []language.Tag{fallback}
	for _, l := range Locales {
		if t := language.Make(l); t != fallback {
			tags = append(tags, t)
		}
	}
	return &Translator{
		bundle:   bundle,
		fallback: fallback,
		matcher:  language.NewMatcher(tags),
		tags:     tags,
		log:      log,
	}
}

// T renders key for locale. Missing keys fall back to the default locale
// and then to the key itself.
func (t *Translator) T(locale, key string, data map[string]any) string {
	if key == "" {
		return ""
	}
	languages := []string{}
	if locale != "" {
		languages = append(languages, locale)
	}
	languages = append(languages, t.fallback.String())

	msg, err := i18n.NewLocalizer(t.bundle, languages...).Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: data,
	})
	if err != nil && msg == "" {
		t.log.Debug("i18n: localize failed", "key", key, "locales", languages, "error", err)
		return key
	}
	return msg
}

// Match picks the supported locale closest to an Accept-Language header.
func (t *Translator) Match(acceptLanguage string) string {
	prefs, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(prefs) == 0 {
		return t.fallback.String()
	}
	_, idx, conf := t.matcher.Match(prefs...)
	if conf == language.No {
		return t.fallback.String()
	}
	base, _ := t.tags[idx].Base()
	return base.String()
}

// Supported reports whether locale may be stored on a user profile.
func Supported(locale string) bool {
	for _, l := range Locales {
		if l == locale {
			return true
		}
	}
	return false
}
