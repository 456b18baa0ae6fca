package canonical

import "strings"

// isUnreserved reports whether b is in the RFC 3986 unreserved set:
// ALPHA / DIGIT / "-" / "." / "_" / "~".
func isUnreserved(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '.' || b == '_' || b == '~':
		return true
	default:
		return false
	}
}

const upperhex = "0123456789ABCDEF"

// encode percent-encodes every byte of s not in the unreserved set, using
// uppercase hex digits. Unlike net/url.QueryEscape it never turns a space
// into "+" — the canonical form always uses %20.
func encode(s string) string {
	var needsEscape bool
	for i := 0; i < len(s); i++ {
		if !isUnreserved(s[i]) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0xf])
	}
	return b.String()
}

// EncodeQueryComponent percent-encodes a query-string name or value for the
// canonical query string.
func EncodeQueryComponent(s string) string {
	return encode(s)
}

// EncodePath percent-encodes an absolute path segment-by-segment, leaving
// "/" raw between segments.
func EncodePath(path string) string {
	if path == "" {
		return path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = encode(seg)
	}
	return strings.Join(segments, "/")
}
