// ABOUTME: Tests for markdown rendering of formatted message bodies.

package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"emphasis", "fixed the *flaky* test", "<p>fixed the <em>flaky</em> test</p>"},
		{"inline code", "run `go test ./...` locally", "<p>run <code>go test ./...</code> locally</p>"},
		{"plain text", "nothing fancy here", "<p>nothing fancy here</p>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderMarkdown(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderMarkdownCodeBlock(t *testing.T) {
	got, err := RenderMarkdown("```\nfunc main() {}\n```")
	require.NoError(t, err)
	assert.Contains(t, got, "<pre><code>")
	assert.Contains(t, got, "func main() {}")
}

func TestRenderMarkdownGFMStrikethrough(t *testing.T) {
	got, err := RenderMarkdown("~~old approach~~ new approach")
	require.NoError(t, err)
	assert.Contains(t, got, "<del>old approach</del>")
}
