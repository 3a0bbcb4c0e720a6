// Package normalize canonicalizes the heterogeneous identifiers reported by
// external sources (page URLs, GTIN/EAN codes, category path strings) into
// comparable forms for matching.
package normalize

import (
	"net/url"
	"strings"
)

// URL canonicalizes a raw URL into its comparable form: path component only
// (scheme, host, query and fragment discarded), single trailing slash
// stripped, lower-cased. Never fails; unparseable input falls back to the
// lower-cased raw string.
func URL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return stripTrailingSlash(strings.ToLower(raw))
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return stripTrailingSlash(strings.ToLower(path))
}

func stripTrailingSlash(s string) string {
	if len(s) > 1 && strings.HasSuffix(s, "/") {
		return s[:len(s)-1]
	}
	return s
}

// LastSegment returns the final path segment of a normalized URL, or ""
// when there is none. Used by the product-identifier-in-URL strategy.
func LastSegment(normalizedURL string) string {
	trimmed := strings.Trim(normalizedURL, "/")
	if trimmed == "" {
		return ""
	}
	segments := strings.Split(trimmed, "/")
	return segments[len(segments)-1]
}

// GTIN cleans a raw product code and validates its check digit. The cleaned
// code is returned even when invalid so callers can still display it;
// checksum-invalid codes must be skipped for exact matching.
func GTIN(raw string) (code string, valid bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	code = b.String()
	return code, validGTINChecksum(code)
}

// validGTINChecksum implements the GS1 modulo-10 weighted-sum check over
// the last digit. Accepts GTIN-8, UPC-A (12), EAN-13 and GTIN-14 lengths.
func validGTINChecksum(code string) bool {
	switch len(code) {
	case 8, 12, 13, 14:
	default:
		return false
	}

	sum := 0
	weight := 3 // first digit left of the check digit always weighs 3
	for i := len(code) - 2; i >= 0; i-- {
		sum += int(code[i]-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}

	check := (10 - sum%10) % 10
	return check == int(code[len(code)-1]-'0')
}

// Path splits a raw category path into lower-cased segments. Both "/" and
// ">" act as separators; empty segments are dropped.
func Path(raw string) []string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	raw = strings.ReplaceAll(raw, ">", "/")

	parts := strings.Split(raw, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}

// PathString joins normalized segments back into the canonical
// "/seg1/seg2" form used as an index key.
func PathString(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}
