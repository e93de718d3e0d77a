package util

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	markdownLink   = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)\s]+)\)`)
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
)

// RenderBody turns a post body into the HTML used as Note content. It covers a
// small subset of markdown: paragraphs, line breaks and
// [text](http(s)://url) links. Everything else is HTML-escaped.
func RenderBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}

	var b strings.Builder
	for _, para := range paragraphSplit.Split(body, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		escaped := html.EscapeString(para)
		escaped = MarkdownLinksToHTML(escaped)
		escaped = strings.ReplaceAll(escaped, "\n", "<br>")
		b.WriteString("<p>")
		b.WriteString(escaped)
		b.WriteString("</p>")
	}
	return b.String()
}

// MarkdownLinksToHTML converts [text](url) links in already escaped text to
// anchors. Only http and https targets are converted.
func MarkdownLinksToHTML(text string) string {
	return markdownLink.ReplaceAllStringFunc(text, func(match string) string {
		m := markdownLink.FindStringSubmatch(match)
		if len(m) != 3 {
			return match
		}
		return fmt.Sprintf(`<a href="%s" rel="nofollow noopener noreferrer">%s</a>`, m[2], m[1])
	})
}

// PlainText replaces markdown links with their text. Used for summaries.
func PlainText(body string) string {
	return strings.TrimSpace(markdownLink.ReplaceAllString(body, "$1"))
}
