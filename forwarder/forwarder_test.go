package forwarder

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signway-gateway/signway/admission"
	"github.com/signway-gateway/signway/registry"
)

func targetFor(t *testing.T, upstream *httptest.Server, path string) admission.Target {
	t.Helper()
	u := strings.TrimPrefix(upstream.URL, "http://")
	return admission.Target{
		Scheme: "http",
		Host:   u,
		Path:   path,
	}
}

func TestForwardStreamsSuccessfulResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/items", r.URL.Path)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	fwd := New(DefaultConfig(), nil)
	r := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	w := httptest.NewRecorder()

	fwd.Forward(w, r, targetFor(t, upstream, "/v1/items"), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
	assert.Equal(t, "hello", w.Body.String())
}

func TestForwardAppliesHeaderOverlay(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fwd := New(DefaultConfig(), nil)
	r := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	w := httptest.NewRecorder()

	overlay := []registry.HeaderPair{{Name: "Authorization", Value: "Bearer injected"}}
	fwd.Forward(w, r, targetFor(t, upstream, "/v1/items"), overlay)

	assert.Equal(t, "Bearer injected", gotAuth)
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Connection"))
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fwd := New(DefaultConfig(), nil)
	r := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	r.Header.Set("Connection", "keep-alive")
	w := httptest.NewRecorder()

	fwd.Forward(w, r, targetFor(t, upstream, "/v1/items"), nil)

	assert.Empty(t, w.Header().Get("Connection"))
}

func TestForwardStripsHeadersListedInConnection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Custom-Hop"))
		w.Header().Set("Connection", "x-custom-hop")
		w.Header().Set("X-Custom-Hop", "should-not-reach-caller")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fwd := New(DefaultConfig(), nil)
	r := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	r.Header.Set("Connection", "x-custom-hop")
	r.Header.Set("X-Custom-Hop", "should-not-reach-upstream")
	w := httptest.NewRecorder()

	fwd.Forward(w, r, targetFor(t, upstream, "/v1/items"), nil)

	assert.Empty(t, w.Header().Get("X-Custom-Hop"))
}

func TestForwardPoolsTransportPerUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fwd := New(DefaultConfig(), nil)
	host := strings.TrimPrefix(upstream.URL, "http://")

	a := fwd.transportFor("http", host)
	b := fwd.transportFor("http", host)
	c := fwd.transportFor("http", "other.example.com:80")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestForwardReturnsBadGatewayWhenUpstreamUnreachable(t *testing.T) {
	fwd := New(DefaultConfig(), nil)
	r := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	w := httptest.NewRecorder()

	fwd.Forward(w, r, admission.Target{Scheme: "http", Host: "127.0.0.1:1", Path: "/v1/items"}, nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestForwardReturnsGatewayTimeoutOnResponseHeaderTimeout(t *testing.T) {
	block := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer upstream.Close()
	defer close(block)

	cfg := DefaultConfig()
	cfg.ResponseHeaderTimeout = 10 * time.Millisecond
	fwd := New(cfg, nil)

	r := httptest.NewRequest(http.MethodGet, "/v1/items", nil)
	w := httptest.NewRecorder()

	fwd.Forward(w, r, targetFor(t, upstream, "/v1/items"), nil)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

// slowBody drips bytes with a delay between writes, standing in for a
// streaming upstream response that must not be fully buffered before
// the gateway begins forwarding it.
type slowBody struct {
	chunks [][]byte
	delay  time.Duration
}

func (s *slowBody) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for _, chunk := range s.chunks {
			_, _ = w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(s.delay)
		}
	}
}

func TestForwardStreamsLargeBodyWithoutBuffering(t *testing.T) {
	body := &slowBody{
		chunks: [][]byte{[]byte("chunk-1-"), []byte("chunk-2-"), []byte("chunk-3")},
		delay:  5 * time.Millisecond,
	}
	upstream := httptest.NewServer(body.handler())
	defer upstream.Close()

	fwd := New(DefaultConfig(), nil)
	r := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()

	fwd.Forward(w, r, targetFor(t, upstream, "/stream"), nil)

	assert.Equal(t, "chunk-1-chunk-2-chunk-3", w.Body.String())
}

func TestForwardPropagatesRequestBody(t *testing.T) {
	var received string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fwd := New(DefaultConfig(), nil)
	r := httptest.NewRequest(http.MethodPost, "/v1/items", strings.NewReader("payload"))
	w := httptest.NewRecorder()

	fwd.Forward(w, r, targetFor(t, upstream, "/v1/items"), nil)

	assert.Equal(t, "payload", received)
}
