// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/go-core-stack/federated-router/pkg/config"
	"github.com/go-core-stack/federated-router/pkg/metrics"
)

func TestProxyForwardsRequests(t *testing.T) {
	var (
		receivedMethod string
		receivedURL    *url.URL
		receivedBody   []byte
		receivedHeader http.Header
	)

	p := newTestProxy(t, "http://router.internal:8080")
	p.client.Transport = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if err := req.Body.Close(); err != nil {
			return nil, err
		}
		receivedMethod = req.Method
		receivedURL = req.URL
		receivedBody = body
		receivedHeader = req.Header.Clone()

		return &http.Response{
			StatusCode: http.StatusCreated,
			Header:     http.Header{"Content-Type": {"application/json"}, "Connection": {"close"}},
			Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
		}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "http://proxy/v1/chat/completions?stream=true", strings.NewReader(`{"model":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer ")
	req.Header.Set("Content-Length", "13")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Trace", "abc")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body := rec.Body.String(); body != `{"ok":true}` {
		t.Fatalf("unexpected response body: %s", body)
	}
	if rec.Header().Get("Connection") != "" {
		t.Fatal("hop-by-hop response header should not be relayed")
	}
	if receivedMethod != http.MethodPost {
		t.Fatalf("expected method POST, got %s", receivedMethod)
	}
	if got := receivedURL.String(); got != "http://router.internal:8080/v1/chat/completions?stream=true" {
		t.Fatalf("unexpected upstream url: %s", got)
	}
	if string(receivedBody) != `{"model":"a"}` {
		t.Fatalf("unexpected upstream body: %s", string(receivedBody))
	}
	if _, ok := receivedHeader["Authorization"]; ok {
		t.Fatalf("empty bearer token must not be forwarded: %v", receivedHeader)
	}
	for _, h := range []string{"Content-Length", "Connection", "Host"} {
		if _, ok := receivedHeader[h]; ok {
			t.Fatalf("%s header must not be forwarded", h)
		}
	}
	if receivedHeader.Get("X-Trace") != "abc" || receivedHeader.Get("Content-Type") != "application/json" {
		t.Fatalf("end-to-end headers lost: %v", receivedHeader)
	}
}

func TestProxyKeepsValidAuthorization(t *testing.T) {
	var got string
	p := newTestProxy(t, "http://router.internal:8080")
	p.client.Transport = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		got = req.Header.Get("Authorization")
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(strings.NewReader(""))}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://proxy/v1/models/abc", nil)
	req.Header.Set("Authorization", "Bearer sk-test")
	p.ServeHTTP(httptest.NewRecorder(), req)

	if got != "Bearer sk-test" {
		t.Fatalf("authorization not forwarded, got %q", got)
	}
}

func TestProxyPropagatesErrorBodies(t *testing.T) {
	large := strings.Repeat("x", 200*1024)

	p := newTestProxy(t, "http://router.internal:8080")
	p.client.Transport = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(large)),
		}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "http://proxy/v1/completions", strings.NewReader("body"))
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != large {
		t.Fatalf("error body truncated: got %d bytes, want %d", len(body), len(large))
	}
}

func TestProxyRelaysRedirect(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []string
	)
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, "followed")
	}))
	t.Cleanup(downstream.Close)

	p := newTestProxy(t, downstream.URL)
	req := httptest.NewRequest(http.MethodPost, "http://proxy/old", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 relayed, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/new" {
		t.Fatalf("unexpected location %q", loc)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 1 || hits[0] != "POST /old" {
		t.Fatalf("redirect must not be followed, downstream saw %v", hits)
	}
}

func TestProxyStreamsErrorBodyIncrementally(t *testing.T) {
	release := make(chan struct{})
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "event: error\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "data: done\n\n")
	}))
	t.Cleanup(downstream.Close)

	front := httptest.NewServer(newTestProxy(t, downstream.URL))
	t.Cleanup(front.Close)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := http.Post(front.URL+"/v1/chat/completions", "application/json", strings.NewReader("{}"))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	var resp *http.Response
	select {
	case resp = <-respCh:
	case err := <-errCh:
		t.Fatalf("post: %v", err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("error response headers were held back until the upstream finished")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	first := make([]byte, len("event: error\n\n"))
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}

	close(release)
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(first)+string(rest) != "event: error\n\ndata: done\n\n" {
		t.Fatalf("unexpected body %q", string(first)+string(rest))
	}
}

func TestCappedBufferKeepsPrefix(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	for _, chunk := range []string{"ab", "cdef", "gh"} {
		n, err := b.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("write %q: n=%d err=%v", chunk, n, err)
		}
	}
	if got := string(b.Bytes()); got != "abcd" {
		t.Fatalf("expected capped prefix, got %q", got)
	}
}

func TestProxyTransportFailureReturnsBadGateway(t *testing.T) {
	collector := metrics.NewCollector()
	p := newTestProxy(t, "http://router.internal:8080")
	p.metrics = collector
	p.client.Transport = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection reset by peer")
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "http://proxy/v1/files/1", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	msg := decodeError(t, rec)
	if !strings.Contains(msg, "connection reset by peer") {
		t.Fatalf("unexpected error message: %q", msg)
	}
	n, err := testutil.GatherAndCount(collector.Registry(), "federated_router_proxy_errors_total")
	if err != nil || n != 1 {
		t.Fatalf("expected one proxy error series, got %d (err=%v)", n, err)
	}
}

func TestProxyUnreachableDownstream(t *testing.T) {
	p := newTestProxy(t, "http://"+closedAddr(t))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://proxy/health", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if msg := decodeError(t, rec); msg == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestProxyInvalidHeaderReturnsBadRequest(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request with invalid header should not reach downstream")
	}))
	t.Cleanup(downstream.Close)

	p := newTestProxy(t, downstream.URL)

	req := httptest.NewRequest(http.MethodPost, "http://proxy/v1/chat/completions", strings.NewReader("{}"))
	req.Header["X-Broken"] = []string{"line\nbreak"}
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.HasPrefix(msg, "Invalid request headers: ") {
		t.Fatalf("unexpected error message: %q", msg)
	}
}

func TestProxyStreamsIncrementally(t *testing.T) {
	release := make(chan struct{})
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "data: one\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "data: two\n\n")
	}))
	t.Cleanup(downstream.Close)

	p := newTestProxy(t, downstream.URL)
	front := httptest.NewServer(p)
	t.Cleanup(front.Close)

	resp, err := http.Post(front.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"stream":true}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}

	first := make([]byte, len("data: one\n\n"))
	readDone := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(resp.Body, first)
		readDone <- err
	}()

	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("read first chunk: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first chunk was not relayed before the upstream finished")
	}
	if string(first) != "data: one\n\n" {
		t.Fatalf("unexpected first chunk: %q", first)
	}

	close(release)
	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if string(rest) != "data: two\n\n" {
		t.Fatalf("unexpected remainder: %q", rest)
	}
}

func TestProxyByteIdenticalBody(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0xff, 'a', '\n'}, 50_000)
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(downstream.Close)

	p := newTestProxy(t, downstream.URL)
	rec := newFlushRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "http://proxy/v1/blob", bytes.NewReader(payload)))

	if rec.status != http.StatusTeapot {
		t.Fatalf("unexpected status: %d", rec.status)
	}
	if !bytes.Equal(rec.body.Bytes(), payload) {
		t.Fatalf("body differs: got %d bytes, want %d", rec.body.Len(), len(payload))
	}
	if rec.flushes == 0 {
		t.Fatal("expected the response to be flushed while streaming")
	}
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{
			name:    "invalid header value",
			err:     &url.Error{Op: "Post", URL: "http://x", Err: errors.New(`net/http: invalid header field value for "X-A"`)},
			status:  http.StatusBadRequest,
			message: `Invalid request headers: Post "http://x": net/http: invalid header field value for "X-A"`,
		},
		{
			name:    "unsupported scheme",
			err:     &url.Error{Op: "Get", URL: "ftp://x", Err: errors.New(`unsupported protocol scheme "ftp"`)},
			status:  http.StatusBadRequest,
			message: `Get "ftp://x": unsupported protocol scheme "ftp"`,
		},
		{
			name:    "refused",
			err:     &url.Error{Op: "Get", URL: "http://x", Err: errors.New("dial tcp: connection refused")},
			status:  http.StatusBadGateway,
			message: `Get "http://x": dial tcp: connection refused`,
		},
		{
			name:   "timeout awaiting headers",
			err:    &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}},
			status: http.StatusBadGateway,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifySendError(tc.err)
			var httpErr *httpError
			if !errors.As(err, &httpErr) {
				t.Fatalf("expected *httpError, got %T", err)
			}
			if httpErr.Status != tc.status {
				t.Fatalf("status = %d, want %d", httpErr.Status, tc.status)
			}
			if tc.message != "" && errorMessage(err) != tc.message {
				t.Fatalf("message = %q, want %q", errorMessage(err), tc.message)
			}
		})
	}
}

func TestNewHTTPClientHasNoTimeoutByDefault(t *testing.T) {
	client := NewHTTPClient(config.Config{})
	if client.Timeout != 0 {
		t.Fatalf("expected no client timeout, got %s", client.Timeout)
	}
	if client.CheckRedirect == nil {
		t.Fatal("expected redirects to be relayed, not followed")
	}
}

func TestNewRequiresDownstream(t *testing.T) {
	if _, err := New(config.Config{}, nil, nil); err == nil {
		t.Fatal("expected error without downstream url")
	}
}

func newTestProxy(t *testing.T, downstream string) *Proxy {
	t.Helper()
	u, err := url.Parse(downstream)
	if err != nil {
		t.Fatalf("parse downstream url: %v", err)
	}
	cfg := config.Config{Downstream: u}
	p, err := New(cfg, NewHTTPClient(cfg), nil)
	if err != nil {
		t.Fatalf("create proxy: %v", err)
	}
	return p
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	msg, ok := body["error"]
	if !ok {
		t.Fatalf("missing error key in %v", body)
	}
	return msg
}

func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return addr
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout awaiting response headers" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type flushRecorder struct {
	header  http.Header
	status  int
	body    bytes.Buffer
	flushes int
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{
		header: make(http.Header),
	}
}

func (r *flushRecorder) Header() http.Header {
	return r.header
}

func (r *flushRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *flushRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(b)
}

func (r *flushRecorder) Flush() {
	r.flushes++
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
