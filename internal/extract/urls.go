package extract

import (
	"net/url"
	"strings"
)

// ListingURL is the aggregator page listing the apps that use a model.
func ListingURL(baseURL, sourceKey string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.Trim(sourceKey, "/") + "/apps"
}

// DetailsURL is the aggregator page describing a single app.
func DetailsURL(baseURL, appURL string) string {
	return strings.TrimRight(baseURL, "/") + "/apps?url=" + url.QueryEscape(appURL)
}

// CanonicalAppURL normalizes a link found on a listing page into the app's own
// site URL. Aggregator links of the form <base>/apps?url=<encoded> are unwrapped,
// bare domains get https://, and relative links resolve against the base. It
// reports false for values that do not look like a website.
func CanonicalAppURL(raw, baseURL string) (string, bool) {
	return canonicalize(strings.TrimSpace(raw), baseURL, true)
}

func canonicalize(raw, baseURL string, unwrap bool) (string, bool) {
	if raw == "" {
		return "", false
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", false
	}

	lower := strings.ToLower(raw)
	for _, scheme := range []string{"mailto:", "javascript:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", false
		}
	}

	switch {
	case strings.HasPrefix(raw, "//"):
		raw = "https:" + raw
	case strings.HasPrefix(raw, "/"):
		resolved, err := base.Parse(raw)
		if err != nil {
			return "", false
		}
		raw = resolved.String()
	case !strings.Contains(raw, "://"):
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || (!strings.Contains(host, ".") && host != "localhost") {
		return "", false
	}

	if unwrap && strings.EqualFold(host, base.Hostname()) && strings.TrimRight(u.Path, "/") == "/apps" {
		if inner := u.Query().Get("url"); inner != "" {
			return canonicalize(strings.TrimSpace(inner), baseURL, false)
		}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}
