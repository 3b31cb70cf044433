package extract

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

// DefaultMaxPageChars caps the page text sent to the model.
const DefaultMaxPageChars = 60000

const noiseSelector = "script, style, noscript, svg, template, iframe"

// condenseListing keeps visible text plus every link target, since the
// listing's app URLs usually live only in href attributes.
func condenseListing(page collector.Page, maxChars int) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return truncate(collapse(page.HTML), maxChars)
	}
	doc.Find(noiseSelector).Remove()

	base, _ := url.Parse(page.URL)
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if base != nil {
			if resolved, err := base.Parse(href); err == nil {
				href = resolved.String()
			}
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		label := collapse(s.Text())
		if label == "" {
			label = "(no text)"
		}
		links = append(links, fmt.Sprintf("- %s -> %s", label, href))
	})

	var b strings.Builder
	b.WriteString("PAGE TEXT:\n")
	b.WriteString(collapse(doc.Find("body").Text()))
	if len(links) > 0 {
		b.WriteString("\n\nLINKS:\n")
		b.WriteString(strings.Join(links, "\n"))
	}
	return truncate(b.String(), maxChars)
}

// condenseArticle reduces an app page to its title, meta description and main
// content. Readability handles most marketing sites; when it finds nothing the
// whole body text is used.
func condenseArticle(page collector.Page, maxChars int) string {
	var title, description, content string

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML)); err == nil {
		title = collapse(doc.Find("title").First().Text())
		if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
			description = collapse(desc)
		} else if desc, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
			description = collapse(desc)
		}
		doc.Find(noiseSelector).Remove()
		content = collapse(doc.Find("body").Text())
	}

	if pageURL, err := url.Parse(page.URL); err == nil {
		if article, err := readability.FromReader(strings.NewReader(page.HTML), pageURL); err == nil {
			if text := collapse(article.TextContent); text != "" {
				content = text
			}
			if title == "" {
				title = collapse(article.Title)
			}
			if description == "" {
				description = collapse(article.Excerpt)
			}
		}
	}

	var b strings.Builder
	if title != "" {
		b.WriteString("TITLE: " + title + "\n")
	}
	if description != "" {
		b.WriteString("DESCRIPTION: " + description + "\n")
	}
	if content != "" {
		b.WriteString("\nCONTENT:\n" + content)
	}
	return truncate(strings.TrimSpace(b.String()), maxChars)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
