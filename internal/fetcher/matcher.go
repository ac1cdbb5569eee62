package fetcher

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MatchTerms reports which search terms appear in the body, case-insensitive.
// HTML bodies are additionally matched against their extracted visible text,
// so a term split by markup in the raw bytes still hits.
func MatchTerms(body []byte, contentType string, terms []string) []string {
	if len(body) == 0 || len(terms) == 0 {
		return nil
	}
	haystacks := []string{strings.ToLower(string(body))}
	if isHTML(contentType) {
		if text, ok := htmlText(body); ok {
			haystacks = append(haystacks, strings.ToLower(text))
		}
	}

	var found []string
	for _, term := range terms {
		needle := strings.ToLower(strings.TrimSpace(term))
		if needle == "" {
			continue
		}
		for _, hay := range haystacks {
			if strings.Contains(hay, needle) {
				found = append(found, term)
				break
			}
		}
	}
	return found
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "xhtml")
}

// htmlText extracts the document's visible text with whitespace collapsed.
func htmlText(body []byte) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	doc.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(doc.Text()), " "), true
}
