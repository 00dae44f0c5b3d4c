package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	data := map[string]any{
		"name": "Maria",
		"order": map[string]any{
			"id":    "A-17",
			"total": 99.5,
		},
		"empty": "",
	}

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "plain text", content: "Hello there", want: "Hello there"},
		{name: "field", content: "Hi {{ .name }}!", want: "Hi Maria!"},
		{name: "nested", content: "Order {{ .order.id }} total {{ .order.total }}", want: "Order A-17 total 99.5"},
		{name: "missing key", content: "Hi {{ .nickname }}.", want: "Hi ."},
		{name: "default", content: "Hi {{ default \"friend\" .empty }}", want: "Hi friend"},
		{name: "upper", content: "{{ upper .name }}", want: "MARIA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.content, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("Hi {{ .name ", map[string]any{"name": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("Hi {{ .name }}"))
	require.Error(t, Validate("Hi {{ if .name }}"))
}
