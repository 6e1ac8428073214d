// Package proxy implements the isolating reverse proxy in front of the
// per-project notebook sandboxes. Every request resolves the project's
// session in the registry, is forwarded to the sandbox's loopback port with
// the session token injected, and streamed back without buffering. A
// project with no running session is rejected before any upstream
// connection is attempted.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"sandbox-gateway/pkg/session"
)

// Upstream outcome errors, distinct from a routing miss.
var (
	// ErrUpstreamUnavailable means the sandbox refused or reset the
	// connection.
	ErrUpstreamUnavailable = errors.New("sandbox upstream unavailable")

	// ErrUpstreamTimeout means the sandbox did not answer within the bound.
	ErrUpstreamTimeout = errors.New("sandbox upstream timeout")
)

// Proxy is the credential-injecting sandbox reverse proxy.
type Proxy struct {
	store      session.Store
	usage      *session.UsageTracker
	httpClient *http.Client
	logger     *log.Logger
}

// New creates a Proxy over the given registry. The client bounds ordinary
// exchanges via connection and response-header timeouts but sets no overall
// deadline, so long polls and large downloads stream freely.
func New(store session.Store, usage *session.UsageTracker, logger *log.Logger) *Proxy {
	return &Proxy{
		store: store,
		usage: usage,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: 60 * time.Second,
			},
			// Don't follow redirects — return them to the caller.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Route forwards the request to the project's sandbox. The trailing path
// and query are passed through unmodified; the session token is injected as
// the sole credential.
func (p *Proxy) Route(w http.ResponseWriter, r *http.Request, projectID, path string) {
	sess, err := p.resolve(projectID)
	if err != nil {
		// Hard isolation guarantee: nothing to route to means no
		// upstream dial, ever.
		http.Error(w, `{"error":"no running sandbox for project"}`, http.StatusNotFound)
		return
	}

	if isWebSocketUpgrade(r) {
		p.routeWebSocket(w, r, projectID, sess, path)
		return
	}

	upstreamURL := fmt.Sprintf("http://127.0.0.1:%d/%s", sess.Port, strings.TrimPrefix(path, "/"))
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	// An empty body stays empty upstream; wrapping it would erase the
	// known length and force chunked transfer on every GET.
	var body *countingReader
	var reqBody io.Reader = http.NoBody
	if r.Body != nil && r.ContentLength != 0 {
		body = newCountingReader(r.Body)
		reqBody = body
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, reqBody)
	if err != nil {
		p.logger.Printf("proxy %s: building upstream request: %v", projectID, err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	upstreamReq.ContentLength = r.ContentLength

	copyHeaders(upstreamReq.Header, r.Header)
	injectToken(upstreamReq, sess.Token)

	p.logger.Printf("proxy %s: %s /%s -> 127.0.0.1:%d", projectID, r.Method, strings.TrimPrefix(path, "/"), sess.Port)

	resp, err := p.httpClient.Do(upstreamReq)
	if err != nil {
		status, outcome := classifyUpstreamError(err)
		p.logger.Printf("proxy %s: %v: %v", projectID, outcome, err)
		http.Error(w, fmt.Sprintf(`{"error":%q}`, outcome), status)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	out := newCountingReader(resp.Body)
	StreamResponse(w, out)
	var bytesIn int64
	if body != nil {
		bytesIn = body.Count()
	}
	p.usage.RecordRequest(projectID, bytesIn, out.Count())
}

// resolve looks the project up in the registry. Only a running session is
// routable; starting and stopping sessions are invisible to the data plane.
func (p *Proxy) resolve(projectID string) (*session.Session, error) {
	sess, err := p.store.Get(projectID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusRunning {
		return nil, fmt.Errorf("project %s is %s: %w", projectID, sess.Status, session.ErrNotFound)
	}
	return sess, nil
}

// injectToken makes the registry the sole authority on which credential
// accompanies the request. Whatever auth the client supplied — header or
// notebook auth cookie — is dropped.
func injectToken(req *http.Request, token string) {
	req.Header.Del("Authorization")
	req.Header.Del("Cookie")
	req.Header.Set("Authorization", "token "+token)
}

// classifyUpstreamError distinguishes "routed but the sandbox did not
// answer in time" from "routed but the sandbox is unreachable". Neither is
// ever conflated with a routing miss.
func classifyUpstreamError(err error) (int, error) {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return http.StatusGatewayTimeout, ErrUpstreamTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, ErrUpstreamTimeout
	}
	return http.StatusBadGateway, ErrUpstreamUnavailable
}

// isWebSocketUpgrade reports whether the request asks for a websocket
// upgrade (notebook kernel channels).
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// copyHeaders copies HTTP headers, excluding hop-by-hop headers that
// should not be forwarded between connections.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		switch strings.ToLower(k) {
		case "connection", "keep-alive", "transfer-encoding",
			"te", "trailer", "upgrade", "host", "content-length":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// countingReader counts bytes as they stream through, for per-project
// traffic accounting.
type countingReader struct {
	reader io.Reader
	n      int64
}

func newCountingReader(r io.Reader) *countingReader {
	if r == nil {
		r = strings.NewReader("")
	}
	return &countingReader{reader: r}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Count() int64 { return c.n }
