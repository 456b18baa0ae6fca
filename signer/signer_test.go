package signer

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/signway-gateway/signway/canonical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

func mustSign(t *testing.T, req SignRequest) string {
	t.Helper()
	q, err := Sign(req)
	require.NoError(t, err)
	return q
}

func baseSignRequest(date time.Time) SignRequest {
	return SignRequest{
		Method:       "GET",
		UpstreamHost: "api.example.com",
		Path:         "/v1/items",
		ExtraQuery:   []canonical.QueryParam{{Name: "x", Value: "1"}},
		Headers:      nil,
		CredentialID: "alice",
		Secret:       []byte(testSecret),
		Date:         date,
		Expires:      60 * time.Second,
	}
}

// verifyQuery is a small test helper reproducing what package admission
// does: parse params, then rebuild CanonicalInput from the live "request"
// (here, just the same query and path the test constructed) and call
// Verify.
func verifyQuery(t *testing.T, rawQuery, method, path string, signedHeaders []canonical.Header, bodyHash string) Result {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	require.NoError(t, err)

	params, err := ParseParams(values)
	require.NoError(t, err)

	query := make([]canonical.QueryParam, 0, len(values))
	for name, vs := range values {
		if name == SignatureParam {
			continue
		}
		for _, v := range vs {
			query = append(query, canonical.QueryParam{Name: name, Value: v})
		}
	}

	return Verify(params, []byte(testSecret), CanonicalInput{
		Method:        method,
		Path:          path,
		Query:         query,
		SignedHeaders: signedHeaders,
		BodyHash:      bodyHash,
	})
}

func TestRoundTrip(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := mustSign(t, baseSignRequest(date))

	result := verifyQuery(t, q, "GET", "/v1/items", nil, canonical.EmptyBodyHash)
	assert.True(t, result.Ok())
}

func TestExpiry(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := baseSignRequest(date)
	q := mustSign(t, req)

	values, err := url.ParseQuery(q)
	require.NoError(t, err)
	params, err := ParseParams(values)
	require.NoError(t, err)

	assert.True(t, CheckExpiry(params, date.Add(30*time.Second), 0))
	assert.False(t, CheckExpiry(params, date.Add(60*time.Second), 0))
	assert.False(t, CheckExpiry(params, date.Add(61*time.Second), 0))
}

func TestNewVerifierAppliesClockAndSkew(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := baseSignRequest(date)
	q := mustSign(t, req)

	values, err := url.ParseQuery(q)
	require.NoError(t, err)
	params, err := ParseParams(values)
	require.NoError(t, err)

	withoutSkew := NewVerifier(WithClock(FixedClock(date.Add(65 * time.Second))))
	assert.False(t, withoutSkew.CheckExpiry(params))

	withSkew := NewVerifier(WithClock(FixedClock(date.Add(65*time.Second))), WithSkew(10*time.Second))
	assert.True(t, withSkew.CheckExpiry(params))
}

func TestNewVerifierDefaultsToSystemClockAndZeroSkew(t *testing.T) {
	v := NewVerifier()
	longExpired := ParsedParams{Date: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), Expires: time.Second}
	assert.False(t, v.CheckExpiry(longExpired))
}

func TestQueryParamReorderingPreservesVerification(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := mustSign(t, baseSignRequest(date))

	values, err := url.ParseQuery(q)
	require.NoError(t, err)

	// Rebuild the query string in a different key order than Sign produced.
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	// Reversing map-iteration order has no lasting effect: Encode below
	// sorts keys, which puts "x" after the X-Sw-* parameters, whereas Sign
	// emits it first.
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	reordered := url.Values{}
	for _, n := range names {
		reordered[n] = values[n]
	}

	result := verifyQuery(t, reordered.Encode(), "GET", "/v1/items", nil, canonical.EmptyBodyHash)
	assert.True(t, result.Ok())
}

func TestTamperingQueryParamBreaksSignature(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := mustSign(t, baseSignRequest(date))

	values, err := url.ParseQuery(q)
	require.NoError(t, err)
	values.Set("x", "2") // tamper a non-signature param
	result := verifyQuery(t, values.Encode(), "GET", "/v1/items", nil, canonical.EmptyBodyHash)
	assert.Equal(t, BadSignature, result.Reason)
}

func TestFlippingSignatureNibbleYieldsBadSignature(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := mustSign(t, baseSignRequest(date))

	values, err := url.ParseQuery(q)
	require.NoError(t, err)
	sig := values.Get(SignatureParam)
	flipped := flipLastHexNibble(sig)
	values.Set(SignatureParam, flipped)

	result := verifyQuery(t, values.Encode(), "GET", "/v1/items", nil, canonical.EmptyBodyHash)
	assert.Equal(t, BadSignature, result.Reason)
}

func flipLastHexNibble(s string) string {
	b := []byte(s)
	last := b[len(b)-1]
	switch {
	case last == '0':
		b[len(b)-1] = '1'
	default:
		b[len(b)-1] = '0'
	}
	return string(b)
}

func TestPercentEncodingNormalizationPreservesVerification(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := mustSign(t, baseSignRequest(date))

	// An intermediary re-encoding the unreserved value "1" as its
	// percent-encoded form "%31" must not change the outcome: the HTTP
	// layer decodes both to the same byte before canonicalization sees it.
	alt := strings.Replace(q, "x=1", "x=%31", 1)
	result := verifyQuery(t, alt, "GET", "/v1/items", nil, canonical.EmptyBodyHash)
	assert.True(t, result.Ok())
}

func TestBodyBinding(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := baseSignRequest(date)
	req.Body = []byte(`{"hello":"world"}`)
	q := mustSign(t, req)

	// Correct body hash verifies.
	result := verifyQuery(t, q, "GET", "/v1/items", nil, canonical.HashBody(req.Body))
	assert.True(t, result.Ok())

	// A different body (different hash) fails.
	result = verifyQuery(t, q, "GET", "/v1/items", nil, canonical.HashBody([]byte("tampered")))
	assert.Equal(t, BadSignature, result.Reason)
}

func TestParseParamsRejectsMissingRequired(t *testing.T) {
	values := url.Values{}
	values.Set(AlgorithmParam, string(canonical.SW1HMACSHA256))
	_, err := ParseParams(values)
	assert.Error(t, err)
}

func TestParseParamsRejectsNonPositiveExpires(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q := mustSign(t, baseSignRequest(date))
	values, err := url.ParseQuery(q)
	require.NoError(t, err)
	values.Set(ExpiresParam, "0")
	_, err = ParseParams(values)
	assert.Error(t, err)
}

func TestSignedHeadersBoundIntoSignature(t *testing.T) {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := baseSignRequest(date)
	req.Headers = []canonical.Header{{Name: "x-client-id", Value: "42"}}
	q := mustSign(t, req)

	headers := []canonical.Header{{Name: "x-client-id", Value: "42"}}
	result := verifyQuery(t, q, "GET", "/v1/items", headers, canonical.EmptyBodyHash)
	assert.True(t, result.Ok())

	tampered := []canonical.Header{{Name: "x-client-id", Value: "43"}}
	result = verifyQuery(t, q, "GET", "/v1/items", tampered, canonical.EmptyBodyHash)
	assert.Equal(t, BadSignature, result.Reason)
}
