// Package admission implements the HTTP entry point: parsing the signed
// URL, resolving the client record, running the verification pipeline in
// the order that preserves the most specific failure reason, and handing
// verified requests to package forwarder.
package admission

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/signway-gateway/signway/canonical"
	"github.com/signway-gateway/signway/registry"
	"github.com/signway-gateway/signway/signer"
)

// Metrics is the subset of package metrics' API admission depends on.
type Metrics interface {
	ObserveOutcome(reason string)
}

// MaxBufferedBody bounds how much of the inbound body admission will
// buffer in order to hash it when X-Sw-Body was declared. Requests
// carrying a larger body than this with X-Sw-Body present are rejected as
// Malformed rather than buffering unboundedly.
const MaxBufferedBody = 10 << 20 // 10 MiB

// Forwarder is the subset of package forwarder's API admission depends
// on, kept as an interface so admission can be tested without a live
// upstream.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, target Target, overlay []registry.HeaderPair)
}

// Target describes the resolved upstream the Forwarder must reach.
type Target struct {
	Scheme string
	Host   string
	Path   string
	// Query is the upstream-bound query string: the inbound query minus
	// every X-Sw-* signing parameter.
	Query string
}

// Handler is the admission HTTP entry point.
type Handler struct {
	Registry  registry.Registry
	Forwarder Forwarder
	Verifier  *signer.Verifier
	Log       *logrus.Entry
	Metrics   Metrics
	// UpstreamScheme is used when building the outbound Target; Signway
	// always forwards over HTTPS to third-party APIs unless overridden
	// (e.g. for local test upstreams).
	UpstreamScheme string
}

// NewHandler builds a Handler with https upstreams and a Verifier
// configured from opts (SystemClock, zero skew, if none given).
func NewHandler(reg registry.Registry, fwd Forwarder, log *logrus.Entry, opts ...signer.Option) *Handler {
	return &Handler{
		Registry:       reg,
		Forwarder:      fwd,
		Verifier:       signer.NewVerifier(opts...),
		Log:            log,
		UpstreamScheme: "https",
	}
}

// ServeHTTP implements http.Handler. Any method, any path is accepted and
// interpreted as a signed request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result, target, record := h.verify(r)
	if !result.Ok() {
		h.writeFailure(w, r, result)
		if h.Metrics != nil {
			h.Metrics.ObserveOutcome(string(result.Reason))
		}
		return
	}

	if h.Metrics != nil {
		h.Metrics.ObserveOutcome("")
	}
	h.Forwarder.Forward(w, r, target, record.HeaderOverlay)
}

// verify runs the ordered verification pipeline:
// parse → algorithm → expiry → credential → host allowlist → signature.
// It returns as soon as one step fails, so the most specific reason is
// preserved.
func (h *Handler) verify(r *http.Request) (signer.Result, Target, registry.Record) {
	query := r.URL.Query()

	params, err := signer.ParseParams(query)
	if err != nil {
		return signer.Failure(signer.Malformed, err.Error()), Target{}, registry.Record{}
	}
	if !strings.HasPrefix(r.URL.Path, "/") {
		return signer.Failure(signer.Malformed, "path is not absolute"), Target{}, registry.Record{}
	}

	if params.Algorithm != string(canonical.SW1HMACSHA256) {
		return signer.Failure(signer.Unsupported, "unrecognized algorithm "+params.Algorithm), Target{}, registry.Record{}
	}

	verifier := h.Verifier
	if verifier == nil {
		verifier = signer.NewVerifier()
	}
	if !verifier.CheckExpiry(params) {
		return signer.Failure(signer.Expired, "request expired"), Target{}, registry.Record{}
	}

	record, err := h.Registry.Lookup(r.Context(), params.Credential)
	if err != nil {
		return signer.Failure(signer.UnknownClient, "credential not found"), Target{}, registry.Record{}
	}

	if !record.AllowsAlgorithm(canonical.Algorithm(params.Algorithm)) {
		return signer.Failure(signer.Unsupported, "algorithm not permitted for client"), Target{}, registry.Record{}
	}

	if !record.AllowsHost(params.Host) {
		return signer.Failure(signer.Forbidden, "host not permitted for client"), Target{}, registry.Record{}
	}

	signedHeaders, err := resolveSignedHeaders(r, params.SignedHeaderNames)
	if err != nil {
		return signer.Failure(signer.Malformed, err.Error()), Target{}, registry.Record{}
	}

	bodyHash, ok := h.resolveBodyHash(r, params)
	if !ok {
		return signer.Failure(signer.Malformed, "body exceeds buffering limit"), Target{}, registry.Record{}
	}

	nonSigningQuery, upstreamQuery := splitQuery(query)

	result := verifier.Verify(params, record.Secret, signer.CanonicalInput{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         nonSigningQuery,
		SignedHeaders: signedHeaders,
		BodyHash:      bodyHash,
	})
	if !result.Ok() {
		return result, Target{}, registry.Record{}
	}

	target := Target{
		Scheme: h.UpstreamScheme,
		Host:   params.Host,
		Path:   r.URL.Path,
		Query:  upstreamQuery,
	}
	return signer.Success(), target, record
}

// resolveSignedHeaders looks up each declared header name on the inbound
// request, in the declared order. A name with no matching header is
// Malformed: the signer claimed to have signed a header that isn't there.
// "host" is special-cased: net/http moves it out of the Header map onto
// Request.Host, so it's resolved from there instead.
func resolveSignedHeaders(r *http.Request, names []string) ([]canonical.Header, error) {
	out := make([]canonical.Header, 0, len(names))
	for _, name := range names {
		if name == "host" {
			out = append(out, canonical.Header{Name: name, Value: r.Host})
			continue
		}
		values := r.Header.Values(http.CanonicalHeaderKey(name))
		if len(values) == 0 {
			return nil, errHeaderMissing(name)
		}
		out = append(out, canonical.Header{Name: name, Value: strings.TrimSpace(values[0])})
	}
	return out, nil
}

type errHeaderMissingT struct{ name string }

func errHeaderMissing(name string) error { return errHeaderMissingT{name: name} }

func (e errHeaderMissingT) Error() string { return "signed header not present: " + e.name }

// resolveBodyHash buffers and hashes the inbound body when X-Sw-Body was
// declared, replacing r.Body with a replay reader so the Forwarder can
// still stream it upstream. When X-Sw-Body is absent, the body is left
// untouched and the empty-body sentinel is used instead.
func (h *Handler) resolveBodyHash(r *http.Request, params signer.ParsedParams) (string, bool) {
	if params.BodyHashParam == "" {
		return canonical.EmptyBodyHash, true
	}

	limited := io.LimitReader(r.Body, MaxBufferedBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return "", false
	}
	if len(body) > MaxBufferedBody {
		return "", false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return canonical.HashBody(body), true
}

// splitQuery partitions the inbound query into the canonical-query slice
// (everything except X-Sw-Signature, used for verification) and the
// upstream query string (everything except every X-Sw-* parameter).
func splitQuery(query map[string][]string) ([]canonical.QueryParam, string) {
	canonicalQuery := make([]canonical.QueryParam, 0, len(query))
	upstream := make([]canonical.QueryParam, 0, len(query))

	for name, values := range query {
		for _, v := range values {
			if name != signer.SignatureParam {
				canonicalQuery = append(canonicalQuery, canonical.QueryParam{Name: name, Value: v})
			}
			if !isSigningParam(name) {
				upstream = append(upstream, canonical.QueryParam{Name: name, Value: v})
			}
		}
	}

	return canonicalQuery, encodeUpstreamQuery(upstream)
}

func isSigningParam(name string) bool {
	switch name {
	case signer.AlgorithmParam, signer.CredentialParam, signer.DateParam, signer.ExpiresParam,
		signer.SignedHeadersParam, signer.BodyParam, signer.HostParam, signer.SignatureParam:
		return true
	default:
		return false
	}
}

func encodeUpstreamQuery(params []canonical.QueryParam) string {
	if len(params) == 0 {
		return ""
	}
	s := ""
	for i, p := range params {
		if i > 0 {
			s += "&"
		}
		s += canonical.EncodeQueryComponent(p.Name) + "=" + canonical.EncodeQueryComponent(p.Value)
	}
	return s
}

// failureResponse is the short, generic body returned on the wire. It
// never carries the signature, secret, or any verification internals.
type failureResponse struct {
	Error string `json:"error"`
}

var statusByReason = map[signer.ReasonCode]int{
	signer.Malformed:     http.StatusBadRequest,
	signer.Unsupported:   http.StatusBadRequest,
	signer.Expired:       http.StatusBadRequest,
	signer.UnknownClient: http.StatusUnauthorized,
	signer.BadSignature:  http.StatusUnauthorized,
	signer.Forbidden:     http.StatusForbidden,
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, result signer.Result) {
	status, ok := statusByReason[result.Reason]
	if !ok {
		status = http.StatusBadRequest
	}

	if h.Log != nil {
		h.Log.WithFields(logrus.Fields{
			"reason":      result.Reason,
			"detail":      result.Detail,
			"remote_addr": r.RemoteAddr,
			"method":      r.Method,
			"path":        r.URL.Path,
		}).Warn("admission: verification failed")
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(failureResponse{Error: string(result.Reason)})
}
