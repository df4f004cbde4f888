package tools

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

// MaxScreenText caps visible text handed to the model.
const MaxScreenText = 8000

// ReadableText extracts the main content of an HTML page as sanitized text.
// Pages readability cannot parse fall back to the stripped document.
func ReadableText(html, pageURL string) (string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %v", err)
	}

	p := bluemonday.StrictPolicy()

	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return truncateText(collapseSpace(p.Sanitize(html))), nil
	}

	var sb strings.Builder
	if article.Title != "" {
		fmt.Fprintf(&sb, "TITLE: %s\n", article.Title)
	}
	if article.Excerpt != "" {
		fmt.Fprintf(&sb, "EXCERPT: %s\n", article.Excerpt)
	}
	sb.WriteString(collapseSpace(p.Sanitize(article.TextContent)))
	return truncateText(sb.String()), nil
}

func collapseSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func truncateText(s string) string {
	r := []rune(s)
	if len(r) <= MaxScreenText {
		return s
	}
	return string(r[:MaxScreenText]) + "\n... (truncated)"
}
