// Package canonical implements the deterministic byte-exact canonicalization
// of an HTTP request that the signer and verifier hash and sign. It has no
// knowledge of secrets, HMAC, or the query-parameter wire format — it only
// turns a (method, path, query, signed headers, body hash) tuple into a
// reproducible string. The host is bound only as a signed header.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Algorithm identifies a keyed-hash family. SW1-HMAC-SHA256 is currently the
// only recognized value; the type exists so a client record can later be
// tagged with a wider accepted set without changing callers.
type Algorithm string

// SW1HMACSHA256 is the sole recognized algorithm token.
const SW1HMACSHA256 Algorithm = "SW1-HMAC-SHA256"

// EmptyBodyHash is the hex SHA-256 digest of the empty string, used when a
// signer does not wish to bind the request to its body content.
const EmptyBodyHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// QueryParam is a single name/value pair from the canonical query string.
type QueryParam struct {
	Name  string
	Value string
}

// Header is a signed header, already lowercased and trimmed.
type Header struct {
	Name  string
	Value string
}

// Request carries the primitives the canonicalizer needs. Query must
// already exclude X-Sw-Signature; every other parameter, including the
// remaining X-Sw-* fields, belongs in it. The upstream host is not a
// separate field of the canonical string — when a signer wants to bind
// the host, it includes "host" among SignedHeaders, the same way any
// other header is bound.
type Request struct {
	Method        string
	Path          string
	Query         []QueryParam
	SignedHeaders []Header
	BodyHash      string
}

// HashBody returns the lowercase hex SHA-256 digest of body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalQueryString sorts params lexicographically by name then value
// and re-encodes both sides, joining as name=value with "&". Sorting
// tolerates clients re-ordering parameters in transit.
func CanonicalQueryString(params []QueryParam) string {
	sorted := make([]QueryParam, len(params))
	copy(sorted, params)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Value < sorted[j].Value
	})

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = EncodeQueryComponent(p.Name) + "=" + EncodeQueryComponent(p.Value)
	}
	return strings.Join(parts, "&")
}

// canonicalHeaderString renders each signed header as "name:value\n", in
// the caller-supplied order — order is significant and must match
// SignedHeaderNames.
func canonicalHeaderString(headers []Header) string {
	var b strings.Builder
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteByte(':')
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}
	return b.String()
}

// SignedHeaderNames joins the lowercase header names by ";", in order.
func SignedHeaderNames(headers []Header) string {
	names := make([]string, len(headers))
	for i, h := range headers {
		names[i] = h.Name
	}
	return strings.Join(names, ";")
}

// CanonicalRequest builds the newline-joined canonical request string.
func CanonicalRequest(r Request) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(EncodePath(r.Path))
	b.WriteByte('\n')
	b.WriteString(CanonicalQueryString(r.Query))
	b.WriteByte('\n')
	b.WriteString(canonicalHeaderString(r.SignedHeaders))
	b.WriteByte('\n')
	b.WriteString(SignedHeaderNames(r.SignedHeaders))
	b.WriteByte('\n')
	b.WriteString(r.BodyHash)
	return b.String()
}

// StringToSign hashes the canonical request and wraps it with the
// algorithm token and issuance date, per the wire format:
//
//	ALGORITHM\nX-Sw-Date\nHEX(hash(CANONICAL_REQUEST))
func StringToSign(algorithm Algorithm, date string, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	var b strings.Builder
	b.WriteString(string(algorithm))
	b.WriteByte('\n')
	b.WriteString(date)
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(sum[:]))
	return b.String()
}
