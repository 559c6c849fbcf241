package workitem

import (
	stdhtml "html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

// htmlToText reduces step markup to plain text: strip all tags, unescape
// entities, collapse whitespace. Plain input passes through trimmed.
func (d *Decoder) htmlToText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.Contains(s, "<") {
		return stdhtml.UnescapeString(s)
	}
	stripped := d.strip.Sanitize(s)
	return strings.Join(strings.Fields(stdhtml.UnescapeString(stripped)), " ")
}

// htmlToMarkdown converts rich-text fields (description, precondition) to
// markdown, preserving lists and tables. Falls back to plain text when the
// converter rejects the input.
func (d *Decoder) htmlToMarkdown(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", true
	}
	if !strings.Contains(s, "<") {
		return stdhtml.UnescapeString(s), true
	}
	md, err := d.md.ConvertString(s)
	if err != nil {
		return d.htmlToText(s), false
	}
	return strings.TrimSpace(md), true
}

func newStripPolicy() *bluemonday.Policy {
	return bluemonday.StrictPolicy()
}
