// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/federated-router/pkg/auth"
	"github.com/go-core-stack/federated-router/pkg/config"
	"github.com/go-core-stack/federated-router/pkg/metrics"
)

// hopHeaders lists standard hop-by-hop headers that must be stripped before a
// request is proxied so the upstream connection semantics remain correct.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const streamBufferSize = 32 * 1024

// Proxy forwards every request it receives to the downstream routing layer
// and streams the response back.
type Proxy struct {
	// client is shared with the model aggregator for the life of the process.
	client *http.Client
	// metrics records relayed requests; may be nil.
	metrics *metrics.Collector
	// logger emits structured logs for observability.
	logger zerolog.Logger
	// baseURL is the downstream router address used to resolve inbound paths.
	baseURL *url.URL
}

// NewHTTPClient builds the pooled client used for all outbound traffic. The
// client timeout comes from cfg.RequestTimeout, which is zero by default so
// streamed generations are never truncated.
func NewHTTPClient(cfg config.Config) *http.Client {
	// Build a transport that honours system proxies and keeps connections warm.
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
		// Redirects are relayed to the caller, never followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// New constructs a Proxy targeting cfg.Downstream.
func New(cfg config.Config, client *http.Client, m *metrics.Collector) (*Proxy, error) {
	if cfg.Downstream == nil {
		return nil, errors.New("downstream url is required")
	}
	if client == nil {
		client = NewHTTPClient(cfg)
	}

	return &Proxy{
		client:  client,
		metrics: m,
		logger:  log.With().Str("component", "proxy").Logger(),
		baseURL: cloneURL(cfg.Downstream),
	}, nil
}

// ServeHTTP relays the request to the downstream router and streams the
// response body back as it arrives.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	event := p.requestLogger(r)

	resp, err := p.forwardRequest(r, event)
	if err != nil {
		status := http.StatusBadGateway
		var httpErr *httpError
		if errors.As(err, &httpErr) {
			status = httpErr.Status
		}
		kind := metrics.ErrorKindUpstream
		if status == http.StatusBadRequest {
			kind = metrics.ErrorKindBadRequest
		}
		p.metrics.RecordProxyError(kind)
		p.metrics.RecordProxy(r.Method, status, time.Since(start))

		writeError(w, status, errorMessage(err))
		event.Error().
			Err(err).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request failed")
		return
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			event.Error().
				Err(closeErr).
				Msg("close upstream response body failed")
		}
	}()

	// Error bodies are captured for the log while they stream through.
	var bodyReader io.Reader = resp.Body
	var errBody *cappedBuffer
	if resp.StatusCode >= http.StatusBadRequest {
		errBody = &cappedBuffer{limit: maxLogBody}
		bodyReader = io.TeeReader(resp.Body, errBody)
	}

	cleanHopHeaders(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	written, copyErr := streamBody(w, bodyReader)
	p.metrics.RecordProxy(r.Method, resp.StatusCode, time.Since(start))
	if errBody != nil {
		event.Warn().
			Int("status", resp.StatusCode).
			Bytes("upstream_body", errBody.Bytes()).
			Msg("upstream returned error")
	}
	if copyErr != nil {
		p.metrics.RecordProxyError(metrics.ErrorKindStream)
		event.Error().
			Err(copyErr).
			Int("status", resp.StatusCode).
			Int64("bytes", written).
			Dur("duration", time.Since(start)).
			Msg("stream response failed")
		return
	}

	event.Info().
		Int("status", resp.StatusCode).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("request proxied")
}

// forwardRequest rebuilds the inbound request against the downstream router
// and returns the response for the caller to stream back.
func (p *Proxy) forwardRequest(r *http.Request, event zerolog.Logger) (*http.Response, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, &httpError{Status: http.StatusBadRequest, Err: fmt.Errorf("read request body: %w", err)}
	}
	defer func() {
		if err := r.Body.Close(); err != nil {
			event.Error().
				Err(err).
				Msg("close request body failed")
		}
	}()

	targetURL := p.singleJoiningURL(r.URL)

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &httpError{Status: http.StatusBadRequest, Err: err}
	}

	upstreamReq.Header = outboundHeaders(r.Header)
	upstreamReq.Host = targetURL.Host

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		return nil, classifySendError(err)
	}

	return resp, nil
}

// outboundHeaders copies the inbound headers minus Host, Content-Length and
// hop-by-hop headers, then drops malformed authorization values again: the
// header set is rebuilt here independently of the inbound middleware.
func outboundHeaders(in http.Header) http.Header {
	excluded := append([]string{"Host", "Content-Length"}, hopHeaders...)
	return auth.Sanitize(auth.FromHeader(in).Without(excluded...)).Header()
}

// classifySendError maps a client.Do failure to the status reported to the
// caller. Invalid header values and target URLs are the caller's fault;
// everything else is an upstream failure.
func classifySendError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &httpError{Status: http.StatusBadGateway, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &httpError{Status: http.StatusBadGateway, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "invalid header"):
		return &httpError{Status: http.StatusBadRequest, Err: err, Message: "Invalid request headers: " + err.Error()}
	case strings.Contains(msg, "unsupported protocol scheme"), strings.Contains(msg, "no host in request url"):
		return &httpError{Status: http.StatusBadRequest, Err: err}
	}
	return &httpError{Status: http.StatusBadGateway, Err: err}
}

// streamBody copies src to w, flushing after every chunk so token-by-token
// output reaches the client as it is produced.
func streamBody(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return io.Copy(w, src)
	}

	var written int64
	buf := make([]byte, streamBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				return written, fmt.Errorf("write to client: %w", writeErr)
			}
			flusher.Flush()
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read upstream body: %w", readErr)
		}
	}
}

// requestLogger returns the request-scoped logger installed by the server,
// falling back to the component logger.
func (p *Proxy) requestLogger(r *http.Request) zerolog.Logger {
	base := p.logger
	if ctxLogger := zerolog.Ctx(r.Context()); ctxLogger.GetLevel() != zerolog.Disabled {
		base = ctxLogger.With().Str("component", "proxy").Logger()
	}
	return base.With().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote_addr", r.RemoteAddr).
		Logger()
}

// singleJoiningURL resolves the incoming path relative to the configured base.
func (p *Proxy) singleJoiningURL(requestURL *url.URL) *url.URL {
	ref := &url.URL{
		Path:     requestURL.Path,
		RawPath:  requestURL.RawPath,
		RawQuery: requestURL.RawQuery,
	}
	return p.baseURL.ResolveReference(ref)
}

// cloneURL makes a shallow copy of the provided URL pointer.
func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

// copyHeaders appends all headers from src into dst.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// cleanHopHeaders removes hop-by-hop headers that should not be forwarded.
func cleanHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// writeError emits the JSON error envelope returned for failed proxy calls.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func errorMessage(err error) string {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		if httpErr.Message != "" {
			return httpErr.Message
		}
		return httpErr.Err.Error()
	}
	return err.Error()
}

// httpError wraps a status code with the underlying error from the upstream round trip.
type httpError struct {
	Status  int    // Status preserves the HTTP status to emit downstream.
	Err     error  // Err retains the original cause for logging.
	Message string // Message overrides Err in the client-facing body when set.
}

// Error implements the error interface for httpError.
func (e *httpError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *httpError) Unwrap() error {
	return e.Err
}

// maxLogBody limits how much of an upstream error body is logged.
const maxLogBody = 64 * 1024

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest without failing the write.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
