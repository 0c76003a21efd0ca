// Package domain recognizes share URLs belonging to the Host and its mirror
// constellation, normalizes them to a canonical form, and extracts the
// opaque share identifier.
package domain

import (
	"net/url"
	"regexp"
	"strings"
)

// CanonicalHost is the domain every normalized ShareLocator points at,
// regardless of which mirror the original URL named.
const CanonicalHost = "www.terabox.com"

// knownHosts is the static set of Host and mirror hostnames recognized by
// equality or suffix match, before falling back to substring heuristics.
var knownHosts = map[string]bool{
	"terabox.com":         true,
	"www.terabox.com":     true,
	"teraboxapp.com":      true,
	"www.teraboxapp.com":  true,
	"1024tera.com":        true,
	"www.1024tera.com":    true,
	"4funbox.co":          true,
	"www.4funbox.co":      true,
	"4funbox.com":         true,
	"www.4funbox.com":     true,
	"mirrobox.com":        true,
	"www.mirrobox.com":    true,
	"nephobox.com":        true,
	"www.nephobox.com":    true,
	"momerybox.com":       true,
	"www.momerybox.com":   true,
	"tibibox.com":         true,
	"www.tibibox.com":     true,
	"freeterabox.com":     true,
	"www.freeterabox.com": true,
	"dubox.com":           true,
	"www.dubox.com":       true,
	"teraboxlink.com":     true,
	"www.teraboxlink.com": true,
	"terafileshare.com":   true,
	"www.terafileshare.com": true,
	"terabox.co":          true,
	"www.terabox.co":      true,
	"terabox.fun":         true,
	"www.terabox.fun":     true,
	"terabox.app":         true,
	"www.terabox.app":     true,
	"1024terabox.com":     true,
	"www.1024terabox.com": true,
	"gibibox.com":         true,
	"www.gibibox.com":     true,
	"box.terabox.app":     true,
}

// hostHeuristics are substrings checked against the lowercased hostname
// when it does not appear in knownHosts, catching mirrors the registry
// has not been updated to list explicitly.
var hostHeuristics = []string{"terabox", "tera", "box", "dubox", "funbox", "nepho", "mirro", "momer"}

// sharePatterns are tried in order against the raw URL string; the first
// capture group of the first match wins.
var sharePatterns = []*regexp.Regexp{
	regexp.MustCompile(`/s/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/sharing/link\?surl=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`[?&]surl=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/wap/s/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/web/share/link\?surl=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/share/link\?surl=([A-Za-z0-9_-]+)`),
}

// ShareLocator is the result of recognizing and parsing a Host URL. It is
// immutable once constructed by Parse.
type ShareLocator struct {
	Surl         string
	CanonicalURL string
}

// IsHostURL reports whether s names a host in the Host's domain
// constellation, whether or not a surl can be extracted from it.
func IsHostURL(s string) bool {
	u, err := url.Parse(strings.ToLower(s))
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(u.Host, "www.")
	if host == "" {
		return false
	}

	for known := range knownHosts {
		k := strings.TrimPrefix(known, "www.")
		if k == host || strings.HasSuffix(host, k) {
			return true
		}
	}

	for _, pattern := range hostHeuristics {
		if strings.Contains(host, pattern) {
			return true
		}
	}
	return false
}

// ExtractSurl pulls the share identifier out of s, trying the ordered
// regex ladder first, then a parsed query parameter, then a bare /s/<x>
// path split. It returns "" if none of these yield a non-empty capture.
func ExtractSurl(s string) string {
	for _, pattern := range sharePatterns {
		if m := pattern.FindStringSubmatch(s); len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}

	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	if surl := u.Query().Get("surl"); surl != "" {
		return surl
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "s" && parts[1] != "" {
		return parts[1]
	}

	return ""
}

// Parse composes IsHostURL and ExtractSurl into a ShareLocator, returning
// nil if the input does not match a recognized Host pattern or yields no
// surl. Parse is idempotent: Parse(loc.CanonicalURL) reproduces the same
// surl for any ShareLocator it previously returned.
func Parse(s string) *ShareLocator {
	if !IsHostURL(s) {
		return nil
	}
	surl := ExtractSurl(s)
	if surl == "" {
		return nil
	}
	return &ShareLocator{
		Surl:         surl,
		CanonicalURL: "https://" + CanonicalHost + "/s/" + surl,
	}
}
