// ABOUTME: Markdown-to-HTML rendering for formatted Matrix message bodies.

package matrix

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// RenderMarkdown converts markdown to the HTML fragment used as a message's
// formatted body.
func RenderMarkdown(text string) (string, error) {
	var buf strings.Builder
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
