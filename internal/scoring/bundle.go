package scoring

// WebVitals is the performance measurement returned by the external API.
type WebVitals struct {
	LCPMillis  float64 `json:"lcp_ms"`
	CLS        float64 `json:"cls"`
	FIDMillis  float64 `json:"fid_ms"`
	TTFBMillis float64 `json:"ttfb_ms"`
}

// DataBundle is the output of one data-collection pass for one URL. Every
// field is independently present-or-errored; the bundle as a whole never
// fails, only degrades.
type DataBundle struct {
	URL string

	RawHTML      string
	RawHTMLError string

	RenderedHTML      string
	RenderedHTMLError string

	AboveFoldScreenshotURL   string
	AboveFoldScreenshotError string

	FullPageScreenshotURL   string
	FullPageScreenshotError string

	WebVitals      *WebVitals
	WebVitalsError string
}

// BestHTML returns the richest HTML snapshot available, preferring the
// rendered DOM over the raw fetch.
func (b DataBundle) BestHTML() string {
	if b.RenderedHTML != "" {
		return b.RenderedHTML
	}
	return b.RawHTML
}

// HasHTML reports whether any HTML source survived collection.
func (b DataBundle) HasHTML() bool {
	return b.RawHTML != "" || b.RenderedHTML != ""
}

// Degraded lists the collection sources that errored, for run evidence.
func (b DataBundle) Degraded() []string {
	var out []string
	if b.RawHTMLError != "" {
		out = append(out, "raw_html")
	}
	if b.RenderedHTMLError != "" {
		out = append(out, "rendered_html")
	}
	if b.AboveFoldScreenshotError != "" {
		out = append(out, "above_fold_screenshot")
	}
	if b.FullPageScreenshotError != "" {
		out = append(out, "full_page_screenshot")
	}
	if b.WebVitalsError != "" {
		out = append(out, "web_vitals")
	}
	return out
}
