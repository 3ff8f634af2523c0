// Package urlnorm canonicalizes URLs and derives fuzzy-match patterns for
// duplicate detection. All functions are pure.
package urlnorm

import (
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

// SimilarityDistance is the max edit distance treated as "the same job".
const SimilarityDistance = 2

// Rejection reason codes carried on InvalidInput errors.
const (
	ReasonScheme      = "scheme"
	ReasonLoopback    = "loopback"
	ReasonPrivate     = "private"
	ReasonMetadata    = "metadata"
	ReasonCredentials = "credentials"
	ReasonMalformed   = "malformed"
)

// Wildcard replaces query values and numeric path segments in patterns.
const Wildcard = "*"

// metadataHost is the cloud metadata endpoint, rejected by literal match.
const metadataHost = "169.254.169.254"

// Normalize canonicalizes a URL: lowercase scheme and host, default ports and
// fragments dropped, query parameters sorted, trailing slash stripped on
// non-root paths. Non-http(s) schemes, embedded credentials, and hosts in
// loopback, link-local, private, or metadata ranges are rejected.
func Normalize(raw string) (string, error) {
	u, err := parse(raw)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Pattern derives the fuzzy-match form of a URL: Normalize, then replace
// every query parameter value and every all-numeric path segment with the
// wildcard token. Pattern is stable under Normalize.
func Pattern(raw string) (string, error) {
	u, err := parse(raw)
	if err != nil {
		return "", err
	}

	if u.Path != "" && u.Path != "/" {
		segments := strings.Split(u.EscapedPath(), "/")
		for i, seg := range segments {
			if isNumeric(seg) {
				segments[i] = Wildcard
			}
		}
		// RawPath carries the literal wildcard; with RawPath empty, String
		// would percent-encode it as %2A.
		u.RawPath = strings.Join(segments, "/")
		if p, err := url.PathUnescape(u.RawPath); err == nil {
			u.Path = p
		}
	}

	if u.RawQuery != "" {
		keys := make([]string, 0, 4)
		seen := map[string]struct{}{}
		for key := range u.Query() {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, key := range keys {
			pairs[i] = url.QueryEscape(key) + "=" + Wildcard
		}
		u.RawQuery = strings.Join(pairs, "&")
	}

	return u.String(), nil
}

// SimilarPatterns reports whether two patterns identify the same logical
// target: exact equality, a small edit distance, or the same URL up to the
// query string (so /docs and /docs?ref=* collide).
func SimilarPatterns(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if stripQuery(a) == stripQuery(b) {
		return true
	}
	return levenshtein.ComputeDistance(a, b) <= SimilarityDistance
}

func stripQuery(pattern string) string {
	if i := strings.IndexByte(pattern, '?'); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// Validate rejects URLs that must never be crawled. It applies the same host
// safety rules as Normalize and is used on every discovered URL, not just
// seeds.
func Validate(raw string) error {
	_, err := parse(raw)
	return err
}

func parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, reject(ReasonMalformed, "empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, reject(ReasonMalformed, "unparseable url %q", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, reject(ReasonScheme, "unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return nil, reject(ReasonCredentials, "embedded credentials are not allowed")
	}
	if u.Host == "" {
		return nil, reject(ReasonMalformed, "url %q has no host", raw)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if err := checkHost(u.Hostname()); err != nil {
		return nil, err
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	return u, nil
}

func checkHost(host string) error {
	if host == metadataHost {
		return reject(ReasonMetadata, "cloud metadata endpoint is not allowed")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return reject(ReasonLoopback, "loopback host %q is not allowed", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	switch {
	case ip.IsLoopback(), ip.IsUnspecified():
		return reject(ReasonLoopback, "loopback address %q is not allowed", host)
	case ip.Equal(net.ParseIP(metadataHost)):
		return reject(ReasonMetadata, "cloud metadata endpoint is not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsPrivate():
		return reject(ReasonPrivate, "private address %q is not allowed", host)
	}
	return nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func reject(reason, format string, args ...any) error {
	return jobs.Invalid(reason, format, args...)
}
