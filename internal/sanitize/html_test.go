package sanitize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "script tag",
			input:    `Hello <script>alert('xss')</script> World`,
			expected: `Hello World`,
		},
		{
			name:     "inline markup in title",
			input:    `<b>Token</b> <i>standard</i>`,
			expected: `Token standard`,
		},
		{
			name:     "entities decoded",
			input:    `Fees &amp; rewards`,
			expected: `Fees & rewards`,
		},
		{
			name:     "ampersand survives",
			input:    `Fees & rewards`,
			expected: `Fees & rewards`,
		},
		{
			name:     "whitespace collapsed",
			input:    "  Last   Call \t",
			expected: `Last Call`,
		},
		{
			name:     "empty string",
			input:    ``,
			expected: ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, Text(tt.input))
		})
	}
}

func TestTextSlice(t *testing.T) {
	require.Nil(t, TextSlice(nil))
	require.Equal(t, []string{"a", "b c"}, TextSlice([]string{"<i>a</i>", "  ", "b   c"}))
}
