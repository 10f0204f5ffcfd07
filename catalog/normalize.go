package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidURL is returned by NormalizeURL for inputs that are not URLs.
var ErrInvalidURL = errors.New("catalog: invalid URL")

// NormalizeURL computes the lookup key of a URL: lowercase scheme and host,
// no fragment, sorted query parameters, no trailing slash. Two captures of
// the same resource share one key even when the capture source spelled the
// URL differently. Non-http(s) URLs are returned as-is.
// Does NOT upgrade http to https (different servers, different resources).
func NormalizeURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return "", fmt.Errorf("%w: whitespace in URL", ErrInvalidURL)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return "", fmt.Errorf("%w: missing scheme", ErrInvalidURL)
	}
	if scheme != "http" && scheme != "https" {
		return raw, nil
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""

	if parsed.RawQuery != "" {
		params := parsed.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf strings.Builder
		for i, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					buf.WriteByte('&')
				}
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = buf.String()
	}

	return parsed.String(), nil
}

// urlKey is NormalizeURL with a fallback to the raw URL, so that odd URLs
// stored from peers still round-trip through exact-match lookups.
func urlKey(raw string) string {
	if k, err := NormalizeURL(raw); err == nil {
		return k
	}
	return raw
}
