package content

import (
	"bytes"
	"html/template"
	"regexp"
	"strings"
	"unicode/utf8"

	"kairo/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// MaxTextRunes is the longest message text accepted.
const MaxTextRunes = 4000

var (
	policy        = bluemonday.UGCPolicy()
	markdown      = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify))
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts markdown message text into sanitized HTML.
// On a rendering failure the escaped text is returned.
func Render(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return Escape(text)
	}
	return strings.TrimSpace(Sanitize(buf.String()))
}

// NormalizeText trims message text and rejects blank or oversized input.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", models.ErrInvalidMessage
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return "", models.New(models.CodeInvalidMessage, "message text is too long")
	}
	return text, nil
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return models.InvalidPayload("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return models.InvalidPayload("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
