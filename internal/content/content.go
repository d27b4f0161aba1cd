package content

import (
	"errors"
	"html/template"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var policy = bluemonday.StrictPolicy()

// Sanitize removes all HTML from the input string.
// It is used for sanitizing user inputs like display names and message text.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateDisplayName checks that a display name survives sanitization
// with something visible left over.
func ValidateDisplayName(name string) error {
	if strings.TrimSpace(Sanitize(name)) == "" {
		return errors.New("display name cannot be empty")
	}
	return nil
}
