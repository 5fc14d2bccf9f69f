package collector

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// TextContext is the distilled textual view of a page handed to the AI
// judge when a screenshot is unavailable, and alongside it when not.
type TextContext struct {
	Title           string   `json:"title"`
	MetaDescription string   `json:"meta_description"`
	Headings        []string `json:"headings"`
	Links           []string `json:"links"`
	BodyText        string   `json:"body_text"`
}

// bodyTextLimit keeps the extracted corpus inside a single AI prompt.
const bodyTextLimit = 12000

// ExtractTextContext parses HTML into the fields the AI tier prompts with.
func ExtractTextContext(html string) (TextContext, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return TextContext{}, fmt.Errorf("parsing html: %w", err)
	}

	var tc TextContext
	tc.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		tc.MetaDescription = strings.TrimSpace(desc)
	}

	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if text := collapseSpace(s.Text()); text != "" {
			tc.Headings = append(tc.Headings, text)
		}
	})

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		text := collapseSpace(s.Text())
		if text == "" {
			return
		}
		if _, dup := seen[text]; dup {
			return
		}
		seen[text] = struct{}{}
		tc.Links = append(tc.Links, text)
	})

	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, svg").Remove()
	text := collapseSpace(body.Text())
	if len(text) > bodyTextLimit {
		text = text[:bodyTextLimit]
	}
	tc.BodyText = text

	return tc, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
