// Package signer implements the keyed-hash layer on top of package
// canonical: producing a signed URL's query parameters (issuer side) and
// verifying an incoming one against a client secret (gateway side).
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/signway-gateway/signway/canonical"
)

// Query parameter names carried in a signed URL. X-Sw-Signature is the
// only one excluded from the canonical query string.
const (
	AlgorithmParam     = "X-Sw-Algorithm"
	CredentialParam    = "X-Sw-Credential"
	DateParam          = "X-Sw-Date"
	ExpiresParam       = "X-Sw-Expires"
	SignedHeadersParam = "X-Sw-SignedHeaders"
	BodyParam          = "X-Sw-Body"
	HostParam          = "X-Sw-Host"
	SignatureParam     = "X-Sw-Signature"
)

// DateLayout is the basic ISO-8601 UTC form used by X-Sw-Date.
const DateLayout = "20060102T150405Z"

// signedHeaderSemicolon and signedHeaderColon are the two delimiters a
// signer may have used for X-Sw-SignedHeaders; the gateway accepts both
// transparently.
const signedHeaderSemicolon = ';'
const signedHeaderColon = ':'

// SignRequest carries everything the issuer side needs to mint a signed
// URL's query parameters.
type SignRequest struct {
	Method       string
	UpstreamHost string
	Path         string
	ExtraQuery   []canonical.QueryParam
	Headers      []canonical.Header
	// Body, when non-nil, is hashed and bound into the signature via
	// X-Sw-Body. A nil Body leaves the request's body unbound.
	Body         []byte
	CredentialID string
	Secret       []byte
	Date         time.Time
	Expires      time.Duration
}

// computeSignature returns the lowercase hex HMAC-SHA-256 of
// stringToSign under secret.
func computeSignature(secret []byte, stringToSign string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(stringToSign))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the full query string (including X-Sw-Signature) to attach
// to the signed URL's path.
func Sign(req SignRequest) (string, error) {
	if req.Expires <= 0 {
		return "", fmt.Errorf("signer: expires must be positive")
	}
	if req.CredentialID == "" {
		return "", fmt.Errorf("signer: credential id is required")
	}

	date := req.Date.UTC().Format(DateLayout)
	expires := strconv.Itoa(int(req.Expires.Seconds()))

	query := make([]canonical.QueryParam, 0, len(req.ExtraQuery)+7)
	query = append(query, req.ExtraQuery...)
	query = append(query,
		canonical.QueryParam{Name: AlgorithmParam, Value: string(canonical.SW1HMACSHA256)},
		canonical.QueryParam{Name: CredentialParam, Value: req.CredentialID},
		canonical.QueryParam{Name: DateParam, Value: date},
		canonical.QueryParam{Name: ExpiresParam, Value: expires},
		canonical.QueryParam{Name: SignedHeadersParam, Value: canonical.SignedHeaderNames(req.Headers)},
		canonical.QueryParam{Name: HostParam, Value: req.UpstreamHost},
	)

	bodyHash := canonical.EmptyBodyHash
	if req.Body != nil {
		bodyHash = canonical.HashBody(req.Body)
		query = append(query, canonical.QueryParam{Name: BodyParam, Value: bodyHash})
	}

	canReq := canonical.CanonicalRequest(canonical.Request{
		Method:        strings.ToUpper(req.Method),
		Path:          req.Path,
		Query:         query,
		SignedHeaders: req.Headers,
		BodyHash:      bodyHash,
	})
	sts := canonical.StringToSign(canonical.SW1HMACSHA256, date, canReq)
	sig := computeSignature(req.Secret, sts)

	query = append(query, canonical.QueryParam{Name: SignatureParam, Value: sig})

	parts := make([]string, len(query))
	for i, p := range query {
		parts[i] = canonical.EncodeQueryComponent(p.Name) + "=" + canonical.EncodeQueryComponent(p.Value)
	}
	return strings.Join(parts, "&"), nil
}

// ParsedParams is the result of extracting and parsing the X-Sw-* query
// parameters from an incoming request.
type ParsedParams struct {
	Algorithm         string
	Credential        string
	Date              time.Time
	RawDate           string
	Expires           time.Duration
	SignedHeaderNames []string
	BodyHashParam     string // raw X-Sw-Body value; "" if absent
	Host              string // raw X-Sw-Host value
	Signature         string
}

// ParseParams extracts and validates the structural shape (not the
// signature) of the signing parameters in query. A missing required
// parameter, a duplicate, an unparseable date/expires, or a non-positive
// expires all produce an error.
func ParseParams(query url.Values) (ParsedParams, error) {
	var p ParsedParams

	for _, name := range []string{AlgorithmParam, CredentialParam, DateParam, ExpiresParam, SignedHeadersParam, HostParam, SignatureParam} {
		values, ok := query[name]
		// An empty X-Sw-SignedHeaders is a present, empty header list, which
		// Sign emits when no headers are signed.
		if !ok || len(values) == 0 || (values[0] == "" && name != SignedHeadersParam) {
			return p, fmt.Errorf("signer: missing required parameter %s", name)
		}
		if len(values) > 1 {
			return p, fmt.Errorf("signer: duplicate parameter %s", name)
		}
	}

	p.Algorithm = query.Get(AlgorithmParam)
	p.Credential = query.Get(CredentialParam)
	p.Host = query.Get(HostParam)
	p.Signature = query.Get(SignatureParam)

	p.RawDate = query.Get(DateParam)
	date, err := time.Parse(DateLayout, p.RawDate)
	if err != nil {
		return p, fmt.Errorf("signer: invalid %s: %w", DateParam, err)
	}
	p.Date = date

	expiresStr := query.Get(ExpiresParam)
	expiresSec, err := strconv.Atoi(expiresStr)
	if err != nil || expiresSec < 1 {
		return p, fmt.Errorf("signer: invalid %s: must be a positive integer", ExpiresParam)
	}
	p.Expires = time.Duration(expiresSec) * time.Second

	p.SignedHeaderNames = splitSignedHeaders(query.Get(SignedHeadersParam))

	if values, ok := query[BodyParam]; ok {
		if len(values) > 1 {
			return p, fmt.Errorf("signer: duplicate parameter %s", BodyParam)
		}
		p.BodyHashParam = values[0]
		if !isHex(p.BodyHashParam) {
			return p, fmt.Errorf("signer: %s is not hex", BodyParam)
		}
	}

	return p, nil
}

func splitSignedHeaders(s string) []string {
	if s == "" {
		return nil
	}
	sep := string(signedHeaderSemicolon)
	if strings.ContainsRune(s, signedHeaderColon) && !strings.ContainsRune(s, signedHeaderSemicolon) {
		sep = string(signedHeaderColon)
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// CanonicalInput is what the caller (package admission) must assemble from
// the live request to rebuild the canonical request for verification.
type CanonicalInput struct {
	Method string
	Path   string
	// Query is the full incoming query string minus X-Sw-Signature.
	Query []canonical.QueryParam
	// SignedHeaders are the resolved (name, value) pairs for the names
	// listed in X-Sw-SignedHeaders, in that order. A name with no matching
	// header on the inbound request is a Malformed condition the caller
	// must have already rejected before calling Verify.
	SignedHeaders []canonical.Header
	// BodyHash is EmptyBodyHash when X-Sw-Body was absent, or the hash of
	// the actually-received body when it was present.
	BodyHash string
}

// Verify recomputes the signature from params, secret and in, and compares
// it in constant time against params.Signature. It does not perform
// algorithm, expiry, credential-resolution, or host-allowlist checks —
// those are ordered steps package admission runs before calling Verify, so
// that the more specific reason survives.
func Verify(params ParsedParams, secret []byte, in CanonicalInput) Result {
	canReq := canonical.CanonicalRequest(canonical.Request{
		Method:        strings.ToUpper(in.Method),
		Path:          in.Path,
		Query:         in.Query,
		SignedHeaders: in.SignedHeaders,
		BodyHash:      in.BodyHash,
	})
	sts := canonical.StringToSign(canonical.SW1HMACSHA256, params.RawDate, canReq)
	expected := computeSignature(secret, sts)

	if !constantTimeHexEqual(expected, params.Signature) {
		return Failure(BadSignature, "signature mismatch")
	}
	return Success()
}

// constantTimeHexEqual compares two hex strings without leaking which byte
// differed first through timing. Unequal lengths return false immediately
// (subtle.ConstantTimeCompare does this internally without scanning
// either string), which does not leak content since length alone is
// already public — it's carried in the HTTP request itself.
func constantTimeHexEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// CheckExpiry reports whether now is before date+expires+skew. An
// issuance date later than now is not rejected.
func CheckExpiry(params ParsedParams, now time.Time, skew time.Duration) bool {
	deadline := params.Date.Add(params.Expires).Add(skew)
	return now.Before(deadline)
}

// Verifier bundles a Clock and a skew tolerance, built once at startup
// via NewVerifier and reused across requests. It is the configured
// entry point package admission calls into instead of reaching for the
// free CheckExpiry/Verify functions directly.
type Verifier struct {
	clock Clock
	skew  time.Duration
}

// NewVerifier builds a Verifier from opts. With no options, it uses
// SystemClock and zero skew tolerance.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{clock: SystemClock{}}
	for _, opt := range opts {
		switch opt.Ident() {
		case identClock{}:
			v.clock = opt.Value().(Clock)
		case identSkew{}:
			v.skew = opt.Value().(time.Duration)
		}
	}
	return v
}

// CheckExpiry reports whether params is still within its validity
// window as of the Verifier's clock, tolerant of its configured skew.
func (v *Verifier) CheckExpiry(params ParsedParams) bool {
	return CheckExpiry(params, v.clock.Now(), v.skew)
}

// Verify recomputes and compares the signature; see the free Verify
// function for details. It takes no configuration from the Verifier
// itself since signature comparison has no time dependency.
func (v *Verifier) Verify(params ParsedParams, secret []byte, in CanonicalInput) Result {
	return Verify(params, secret, in)
}
