package scorer

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/steveohanians/pulsedashboard-sub001/internal/scoring"
)

// htmlScorer is the shared shape of the four deterministic criteria: a set
// of named checks over the parsed document, scored as a pass ratio.
type htmlScorer struct {
	checks []htmlCheck
}

type htmlCheck struct {
	name string
	pass func(doc *goquery.Document, cc CriterionContext) bool
}

// Score runs every check and maps the pass ratio onto the 0-10 scale. A
// bundle with no HTML at all gets the neutral score rather than a zero so a
// browser outage does not read as a terrible website.
func (h htmlScorer) Score(_ context.Context, cc CriterionContext) (CriterionResult, error) {
	if cc.HTML == "" {
		return CriterionResult{
			Score:    NeutralScore,
			Evidence: map[string]any{"degraded": true, "error": "no html collected"},
			Passes:   scoring.Passes{Failed: []string{"html_available"}},
		}, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(cc.HTML))
	if err != nil {
		return CriterionResult{}, fmt.Errorf("parsing html: %w", err)
	}

	var passes scoring.Passes
	for _, check := range h.checks {
		if check.pass(doc, cc) {
			passes.Passed = append(passes.Passed, check.name)
		} else {
			passes.Failed = append(passes.Failed, check.name)
		}
	}
	score := scoring.ClampScore(10 * float64(len(passes.Passed)) / float64(len(h.checks)))
	return CriterionResult{
		Score: score,
		Evidence: map[string]any{
			"checks_passed": len(passes.Passed),
			"checks_total":  len(h.checks),
		},
		Passes: passes,
	}, nil
}

// DefaultRegistry registers the built-in deterministic scorers for the HTML
// tier. AI and performance criteria are scored by their own tiers and need
// no registry entry.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// The criteria are a closed set, so these cannot fail.
	_ = r.Register(scoring.CriterionPositioning, positioningScorer())
	_ = r.Register(scoring.CriterionBrandStory, brandStoryScorer())
	_ = r.Register(scoring.CriterionTrustSignals, trustSignalsScorer())
	_ = r.Register(scoring.CriterionCTAs, ctaScorer())
	return r
}

func positioningScorer() CriterionScorer {
	return htmlScorer{checks: []htmlCheck{
		{"has_h1", func(doc *goquery.Document, _ CriterionContext) bool {
			return strings.TrimSpace(doc.Find("h1").First().Text()) != ""
		}},
		{"h1_is_concise", func(doc *goquery.Document, _ CriterionContext) bool {
			words := strings.Fields(doc.Find("h1").First().Text())
			return len(words) >= 3 && len(words) <= 14
		}},
		{"has_title", func(doc *goquery.Document, _ CriterionContext) bool {
			return strings.TrimSpace(doc.Find("title").First().Text()) != ""
		}},
		{"has_meta_description", func(doc *goquery.Document, _ CriterionContext) bool {
			desc, ok := doc.Find(`meta[name="description"]`).Attr("content")
			return ok && strings.TrimSpace(desc) != ""
		}},
		{"subheading_present", func(doc *goquery.Document, _ CriterionContext) bool {
			return doc.Find("h2").Length() > 0
		}},
	}}
}

func brandStoryScorer() CriterionScorer {
	return htmlScorer{checks: []htmlCheck{
		{"about_link", hasLinkMatching("about", "our story", "who we are", "mission")},
		{"narrative_depth", func(doc *goquery.Document, _ CriterionContext) bool {
			// Enough paragraph copy to carry a story, not just slogans.
			var total int
			doc.Find("p").Each(func(_ int, s *goquery.Selection) {
				total += len(strings.TrimSpace(s.Text()))
			})
			return total > 600
		}},
		{"team_or_values_section", hasTextMatching("our team", "our values", "our mission", "founded")},
		{"media_present", func(doc *goquery.Document, _ CriterionContext) bool {
			return doc.Find("img, video").Length() > 0
		}},
	}}
}

func trustSignalsScorer() CriterionScorer {
	return htmlScorer{checks: []htmlCheck{
		{"https", func(_ *goquery.Document, cc CriterionContext) bool {
			return strings.HasPrefix(cc.URL, "https://")
		}},
		{"testimonial_markers", hasTextMatching("testimonial", "trusted by", "customers", "reviews", "case stud")},
		{"privacy_policy_link", hasLinkMatching("privacy")},
		{"contact_route", hasLinkMatching("contact")},
		{"social_links", func(doc *goquery.Document, _ CriterionContext) bool {
			found := false
			doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
				href, _ := s.Attr("href")
				for _, domain := range []string{"linkedin.com", "twitter.com", "x.com", "facebook.com", "youtube.com", "instagram.com"} {
					if strings.Contains(href, domain) {
						found = true
						return false
					}
				}
				return true
			})
			return found
		}},
	}}
}

func ctaScorer() CriterionScorer {
	actionWords := []string{
		"get started", "sign up", "start free", "book a demo", "request a demo",
		"contact us", "talk to", "try ", "buy", "subscribe", "learn more", "get a quote",
	}
	return htmlScorer{checks: []htmlCheck{
		{"action_link_present", func(doc *goquery.Document, _ CriterionContext) bool {
			return countActionTargets(doc, actionWords) > 0
		}},
		{"multiple_ctas", func(doc *goquery.Document, _ CriterionContext) bool {
			return countActionTargets(doc, actionWords) >= 2
		}},
		{"button_markup", func(doc *goquery.Document, _ CriterionContext) bool {
			return doc.Find(`button, a[class*="btn"], a[class*="button"], input[type="submit"]`).Length() > 0
		}},
		{"capture_form", func(doc *goquery.Document, _ CriterionContext) bool {
			return doc.Find("form").Length() > 0
		}},
	}}
}

func countActionTargets(doc *goquery.Document, actionWords []string) int {
	count := 0
	doc.Find("a, button").Each(func(_ int, s *goquery.Selection) {
		text := strings.ToLower(strings.TrimSpace(s.Text()))
		for _, w := range actionWords {
			if strings.Contains(text, w) {
				count++
				return
			}
		}
	})
	return count
}

func hasLinkMatching(needles ...string) func(*goquery.Document, CriterionContext) bool {
	return func(doc *goquery.Document, _ CriterionContext) bool {
		found := false
		doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			haystack := strings.ToLower(href + " " + s.Text())
			for _, n := range needles {
				if strings.Contains(haystack, n) {
					found = true
					return false
				}
			}
			return true
		})
		return found
	}
}

func hasTextMatching(needles ...string) func(*goquery.Document, CriterionContext) bool {
	return func(doc *goquery.Document, _ CriterionContext) bool {
		body := strings.ToLower(doc.Find("body").Text())
		for _, n := range needles {
			if strings.Contains(body, n) {
				return true
			}
		}
		return false
	}
}
