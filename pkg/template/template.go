// Package template renders message content against recipient variables.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

const noValue = "<no value>"

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"default": func(fallback, value any) any {
		if value == nil {
			return fallback
		}

		if s, ok := value.(string); ok && s == "" {
			return fallback
		}

		return value
	},
}

func parse(content string) (*template.Template, error) {
	tmpl, err := template.New("message").Funcs(funcs).Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", content, err)
	}

	return tmpl, nil
}

// Validate checks that content is a well-formed template without rendering it.
func Validate(content string) error {
	_, err := parse(content)

	return err
}

// Render executes content against data. Missing keys render as empty text.
func Render(content string, data map[string]any) (string, error) {
	if !strings.Contains(content, "{{") {
		return content, nil
	}

	tmpl, err := parse(content)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", content, err)
	}

	return strings.ReplaceAll(buf.String(), noValue, ""), nil
}
