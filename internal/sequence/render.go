package sequence

import (
	"fmt"
	"strings"
	"text/template"

	"followup/internal/domain"
)

var funcs = template.FuncMap{
	"default": defaultValue,
	"first":   firstWord,
}

// ParseTemplate parses a step template with the helpers available to all
// sequences.
func ParseTemplate(name, content string) (*template.Template, error) {
	return template.New(name).Funcs(funcs).Option("missingkey=error").Parse(content)
}

// Render executes a step template against a session's context.
func Render(name, content string, data domain.TemplateContext) (string, error) {
	parsed, err := ParseTemplate(name, content)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", name, err)
	}
	var out strings.Builder
	if err := parsed.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("render template %q: empty message", name)
	}
	return text, nil
}

func defaultValue(def string, value any) string {
	if value == nil {
		return def
	}
	text := strings.TrimSpace(fmt.Sprint(value))
	if text == "" {
		return def
	}
	return text
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
