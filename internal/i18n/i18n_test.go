package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		accept   string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English}, // Fallback
		{"", language.English},      // Empty
	}

	for _, tt := range tests {
		got := MatchLanguage(tt.accept)
		base, _ := got.Base()
		exp, _ := tt.expected.Base()
		assert.Equal(t, exp, base, "Accept: %s", tt.accept)
	}
}

func TestLocaleTag(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want language.Tag
	}{
		{map[string]string{}, language.English},
		{map[string]string{"LANG": "C"}, language.English},
		{map[string]string{"LANG": "de_DE.UTF-8"}, language.German},
		{map[string]string{"LANG": "de_DE.UTF-8", "LC_ALL": "en_US.UTF-8"}, language.English},
		{map[string]string{"LANG": "en_US", "LC_NUMERIC": "de_AT@euro"}, language.German},
		{map[string]string{"LANG": "fr_FR.UTF-8"}, language.English},
	}

	for _, tt := range tests {
		got := LocaleTag(func(k string) string { return tt.env[k] })
		base, _ := got.Base()
		exp, _ := tt.want.Base()
		assert.Equal(t, exp, base, "env: %v", tt.env)
	}
}

func TestPrinterGroupsDigits(t *testing.T) {
	en := message.NewPrinter(language.English)
	de := message.NewPrinter(language.German)
	assert.Equal(t, "1,048,576", en.Sprintf("%d", 1048576))
	assert.Equal(t, "1.048.576", de.Sprintf("%d", 1048576))
}
