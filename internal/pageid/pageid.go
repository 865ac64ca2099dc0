// Package pageid derives stable page identifiers from raw URLs so that
// response-cache keys survive irrelevant URL variations (case of the host,
// default ports, fragments, tracking parameters).
package pageid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// query params that never change page identity
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"gclid":        true,
	"fbclid":       true,
	"ref":          true,
}

// Normalize canonicalizes a page URL. It fails on unparseable input or a
// URL without scheme and host.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("pageid: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("pageid: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("pageid: missing host")
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if trackingParams[name] {
				q.Del(name)
			}
		}
		// stable param order regardless of how the browser composed the URL
		keys := make([]string, 0, len(q))
		for name := range q {
			keys = append(keys, name)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, name := range keys {
			for _, v := range q[name] {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(name))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// Hash joins the parts and returns a fixed-width hex digest, bounding key
// length and sidestepping encoding issues in cache keys.
func Hash(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:16])
}

// FromURL normalizes the URL and hashes the canonical form into a page id.
func FromURL(raw string) (string, error) {
	canonical, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	return Hash(canonical), nil
}
