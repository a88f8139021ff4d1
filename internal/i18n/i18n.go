// Package i18n picks a message printer for CLI output from the locale
// environment, so counts and sizes in tables follow local number formatting.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we format for.
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the best supported language for an Accept-Language
// style list.
func MatchLanguage(accept string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(accept)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// LocaleTag resolves the locale from LC_ALL, LC_NUMERIC or LANG as read by
// getenv. "C" and "POSIX" mean the default language.
func LocaleTag(getenv func(string) string) language.Tag {
	var lang string
	for _, key := range []string{"LC_ALL", "LC_NUMERIC", "LANG"} {
		if lang = getenv(key); lang != "" {
			break
		}
	}
	// Strip encoding and modifier: de_DE.UTF-8@euro -> de_DE
	if i := strings.IndexAny(lang, ".@"); i != -1 {
		lang = lang[:i]
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return DefaultLang
	}

	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return MatchLanguage(lang)
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}

// NewCLIPrinter returns a printer for the process locale.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(LocaleTag(os.Getenv))
}
