// Package urlutil provides URL normalization and utility functions.
package urlutil

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// ErrNotAbsolute is returned for URLs without an http(s) scheme and host.
var ErrNotAbsolute = errors.New("urlutil: not an absolute http(s) url")

// Normalizer canonicalizes URLs so that every distinct resource has exactly
// one representation. Normalize is idempotent: Normalize(Normalize(u)) == Normalize(u).
type Normalizer struct {
	// Query parameters to remove (utm_*, gclid, etc.)
	IgnoreParams map[string]struct{}
}

// DefaultNormalizer returns a normalizer with default settings.
func DefaultNormalizer(ignoreParams []string) *Normalizer {
	params := make(map[string]struct{})
	for _, p := range ignoreParams {
		params[strings.ToLower(p)] = struct{}{}
	}
	return &Normalizer{IgnoreParams: params}
}

// Normalize normalizes a URL string.
//
// Rules: lowercase scheme and host, strip default ports, drop the fragment,
// normalize percent-encoding, keep a trailing slash only on the root path,
// and preserve query parameter order.
func (n *Normalizer) Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return "", ErrNotAbsolute
	}

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	path := u.Path
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	path = normalizePath(path)
	u.Path = path
	// Drop any non-canonical percent encoding kept by the parser.
	u.RawPath = ""

	u.RawQuery = n.normalizeQuery(u.RawQuery)

	return u.String(), nil
}

// normalizeQuery re-encodes each query pair in place. Parameter order is
// significant for some endpoints, so pairs are never sorted.
func (n *Normalizer) normalizeQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := strings.Split(rawQuery, "&")
	out := make([]string, 0, len(pairs))

	for _, pair := range pairs {
		if pair == "" {
			continue
		}

		key, value, hasValue := strings.Cut(pair, "=")

		decodedKey, err := url.QueryUnescape(key)
		if err != nil {
			decodedKey = key
		}
		if _, ignore := n.IgnoreParams[strings.ToLower(decodedKey)]; ignore {
			continue
		}

		encoded := url.QueryEscape(decodedKey)
		if hasValue {
			decodedValue, err := url.QueryUnescape(value)
			if err != nil {
				decodedValue = value
			}
			encoded += "=" + url.QueryEscape(decodedValue)
		}
		out = append(out, encoded)
	}

	return strings.Join(out, "&")
}

var multiSlash = regexp.MustCompile(`/+`)

// normalizePath removes double slashes and resolves . and ..
func normalizePath(path string) string {
	path = multiSlash.ReplaceAllString(path, "/")

	parts := strings.Split(path, "/")
	var result []string

	for _, part := range parts {
		switch part {
		case ".":
			// Skip current directory
		case "..":
			if len(result) > 0 && result[len(result)-1] != "" {
				result = result[:len(result)-1]
			}
		default:
			result = append(result, part)
		}
	}

	normalized := strings.Join(result, "/")
	if normalized == "" {
		return "/"
	}
	return normalized
}

// ExtractHost extracts the lowercased host (with port, if any) from a URL.
func ExtractHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Host), nil
}

// Origin returns the scheme://host origin of a URL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", ErrNotAbsolute
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// ExtractDomain extracts the registrable domain from a host.
func ExtractDomain(host string) string {
	// Remove port if present
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if !strings.Contains(host, "]") || idx > strings.LastIndex(host, "]") {
			host = host[:idx]
		}
	}

	// Simple domain extraction (for more accurate results, use publicsuffix)
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], ".")
	}
	return host
}

// ResolveURL resolves a possibly relative URL against a base URL.
func ResolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	return baseURL.ResolveReference(refURL).String(), nil
}
