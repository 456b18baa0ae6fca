// Package forwarder implements the Forwarder component: it takes a
// verified request and admission.Target, builds the outbound request
// against the upstream, applies the client's header overlay, and streams
// the response back to the original caller without buffering either
// body. Transports are pooled per (scheme, host, port) the way
// fs/fshttp builds one *http.Transport per remote and reuses it across
// requests.
package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/signway-gateway/signway/admission"
	"github.com/signway-gateway/signway/registry"
)

// Metrics is the subset of package metrics' API Forwarder depends on.
type Metrics interface {
	ObserveForward(host string, bytesWritten int64, upstreamLatency time.Duration)
}

// hopByHopHeaders are stripped from both the inbound request and the
// upstream response, per RFC 7230 §6.1 plus the de facto Connection-listed
// extensions. stripHopByHop also removes whatever additional header names
// a request or response lists in its own Connection header, since that
// list is per-message and can't be known statically.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Proxy-Authenticate",
	"Proxy-Authorization",
}

// Config controls timeouts and connection pooling for the transports
// Forwarder builds on demand.
type Config struct {
	// DialTimeout bounds establishing the TCP connection to the upstream.
	DialTimeout time.Duration
	// ResponseHeaderTimeout bounds waiting for the upstream's response
	// headers once the request has been written.
	ResponseHeaderTimeout time.Duration
	// IdleConnTimeout bounds how long a pooled idle connection is kept.
	IdleConnTimeout time.Duration
	// MaxIdleConnsPerHost caps idle connections kept per upstream.
	MaxIdleConnsPerHost int
}

// DefaultConfig returns the timeouts Signway ships with.
func DefaultConfig() Config {
	return Config{
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       60 * time.Second,
		MaxIdleConnsPerHost:   16,
	}
}

// Forwarder proxies verified requests upstream, streaming both the
// request and response bodies. It implements admission.Forwarder.
type Forwarder struct {
	cfg     Config
	log     *logrus.Entry
	metrics Metrics

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// New builds a Forwarder with cfg. A zero Config is replaced with
// DefaultConfig.
func New(cfg Config, log *logrus.Entry) *Forwarder {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Forwarder{
		cfg:        cfg,
		log:        log,
		transports: make(map[string]*http.Transport),
	}
}

// WithMetrics attaches a Metrics sink used to record bytes forwarded
// and upstream latency for every upstream response Forward receives;
// requests that fail before a response arrives are not recorded.
func (f *Forwarder) WithMetrics(m Metrics) *Forwarder {
	f.metrics = m
	return f
}

// transportFor returns the pooled *http.Transport for the given
// (scheme, host) pair, creating it on first use. One transport per
// upstream lets keep-alive connections accumulate instead of being
// rebuilt (and re-handshaked) on every request.
func (f *Forwarder) transportFor(scheme, host string) *http.Transport {
	key := scheme + "://" + host

	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.transports[key]; ok {
		return t
	}

	dialer := &net.Dialer{Timeout: f.cfg.DialTimeout}
	t := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          f.cfg.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   f.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       f.cfg.IdleConnTimeout,
		ResponseHeaderTimeout: f.cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	f.transports[key] = t
	return t
}

// Forward implements admission.Forwarder.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target admission.Target, overlay []registry.HeaderPair) {
	outboundURL := target.Scheme + "://" + target.Host + target.Path
	if target.Query != "" {
		outboundURL += "?" + target.Query
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outboundURL, r.Body)
	if err != nil {
		f.logf(r, logrus.ErrorLevel, "building outbound request: %v", err)
		http.Error(w, `{"error":"upstream_request_failed"}`, http.StatusBadGateway)
		return
	}

	copyHeaders(outReq.Header, r.Header)
	stripHopByHop(outReq.Header)
	outReq.Host = target.Host
	for _, pair := range overlay {
		outReq.Header.Set(pair.Name, pair.Value)
	}

	client := &http.Client{Transport: f.transportFor(target.Scheme, target.Host)}

	start := time.Now()
	resp, err := client.Do(outReq)
	upstreamLatency := time.Since(start)
	if err != nil {
		f.logf(r, logrus.WarnLevel, "upstream request failed: %v", err)
		if isUpstreamTimeout(err) {
			http.Error(w, `{"error":"upstream_timeout"}`, http.StatusGatewayTimeout)
			return
		}
		http.Error(w, `{"error":"upstream_unreachable"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	stripHopByHop(w.Header())
	w.WriteHeader(resp.StatusCode)

	written, err := streamBody(r.Context(), w, resp.Body)
	if err != nil {
		f.logf(r, logrus.WarnLevel, "streaming upstream response: %v", err)
	}
	if f.metrics != nil {
		f.metrics.ObserveForward(target.Host, written, upstreamLatency)
	}
}

// streamBody copies src to dst, flushing after every write so the
// caller observes the upstream's data as it arrives rather than after
// the whole body has been buffered. The copy and the context
// cancellation watch run as two goroutines coordinated by errgroup.
func streamBody(ctx context.Context, dst http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := dst.(http.Flusher)

	g, ctx2 := errgroup.WithContext(ctx)
	done := make(chan struct{})
	var written int64

	g.Go(func() error {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return werr
				}
				written += int64(n)
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ctx2.Done():
			return ctx2.Err()
		case <-done:
			return nil
		}
	})

	err := g.Wait()
	return written, err
}

// isUpstreamTimeout reports whether err represents a timeout that fired
// before any upstream response bytes were seen — a dial timeout, a
// ResponseHeaderTimeout, or a context deadline — as opposed to a connect
// refusal or mid-transfer I/O error, which stay 502.
func isUpstreamTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func stripHopByHop(h http.Header) {
	for _, token := range h.Values("Connection") {
		for _, name := range strings.Split(token, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func (f *Forwarder) logf(r *http.Request, level logrus.Level, format string, args ...any) {
	if f.log == nil {
		return
	}
	f.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
	}).Logf(level, format, args...)
}
