package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/augard/evmaps-sub001/internal/errors"
	"golang.org/x/net/publicsuffix"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout is the per-request timeout used when the caller
	// does not configure one.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Request describes one call against the connect API or identity provider.
// At most one of Form and JSON is set.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Form   url.Values
	JSON   any
	Header http.Header

	// NoRedirect returns a 3xx response to the caller instead of following
	// it, so the Location header can be inspected.
	NoRedirect bool
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// URL is the final request URL after any redirects were followed.
	URL *url.URL
}

// Location returns the redirect target of a 3xx response resolved against
// the request URL, or "" when there is none.
func (r *Response) Location() string {
	loc := r.Header.Get("Location")
	if loc == "" {
		return ""
	}

	if r.URL == nil {
		return loc
	}

	target, err := r.URL.Parse(loc)
	if err != nil {
		return loc
	}

	return target.String()
}

// Caller performs HTTP requests and owns the cookie state shared between
// the steps of a login attempt.
type Caller interface {
	Call(ctx context.Context, req *Request) (*Response, error)
	// Cookie returns the value of the named cookie that would be sent to rawURL.
	Cookie(rawURL, name string) (string, bool)
	// CleanCookies drops every stored cookie.
	CleanCookies()
}

// HTTPCaller is the net/http implementation of Caller.
type HTTPCaller struct {
	mu      sync.RWMutex
	jar     *cookiejar.Jar
	client  *http.Client
	timeout time.Duration
}

var errNoRedirect = errors.New("redirect not followed")

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, unless the request asked for no
// redirects at all.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) > 0 && noRedirectFrom(via[0].Context()) {
		return errNoRedirect
	}

	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Hostname()
		if req.URL.Hostname() != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

type noRedirectKey struct{}

func noRedirectFrom(ctx context.Context) bool {
	v, _ := ctx.Value(noRedirectKey{}).(bool)
	return v
}

// NewHTTPCaller creates a Caller with its own cookie jar. A zero timeout
// selects DefaultTimeout. transport may be nil.
func NewHTTPCaller(timeout time.Duration, transport http.RoundTripper) *HTTPCaller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &HTTPCaller{timeout: timeout}
	c.jar = newJar()
	c.client = &http.Client{
		Transport: transport,
		Jar:       cookieJarFunc{c},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if err := sameHostRedirectPolicy(req, via); err != nil {
				if errors.Is(err, errNoRedirect) {
					return http.ErrUseLastResponse
				}

				return err
			}

			return nil
		},
	}

	return c
}

func newJar() *cookiejar.Jar {
	// cookiejar.New always returns a nil error.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// cookieJarFunc lets CleanCookies swap the jar without rebuilding the client.
type cookieJarFunc struct{ c *HTTPCaller }

func (j cookieJarFunc) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.c.mu.RLock()
	defer j.c.mu.RUnlock()
	j.c.jar.SetCookies(u, cookies)
}

func (j cookieJarFunc) Cookies(u *url.URL) []*http.Cookie {
	j.c.mu.RLock()
	defer j.c.mu.RUnlock()

	return j.c.jar.Cookies(u)
}

// CleanCookies drops every stored cookie.
func (c *HTTPCaller) CleanCookies() {
	c.mu.Lock()
	c.jar = newJar()
	c.mu.Unlock()
}

// Cookie returns the value of the named cookie that would be sent to rawURL.
func (c *HTTPCaller) Cookie(rawURL, name string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ck := range c.jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value, true
		}
	}

	return "", false
}

// Call sends req and reads the whole response body. Any HTTP status is
// returned as a Response; only transport failures produce an error.
func (c *HTTPCaller) Call(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(httpReq.Context(), c.timeout)
	defer cancel()

	if req.NoRedirect {
		ctx = context.WithValue(ctx, noRedirectKey{}, true)
	}

	httpReq = httpReq.WithContext(ctx)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", httpReq.URL.Path, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", httpReq.URL.Path, err)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        resp.Request.URL,
	}, nil
}

func buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing request URL: %w", err)
	}

	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}

		u.RawQuery = q.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)

	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		payload, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	return httpReq, nil
}

// checkStatus maps a non-2xx response to an error. 401 and 403 wrap
// ErrUnauthorized; 429 and 5xx are transient.
func checkStatus(endpoint string, resp *Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err := fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, sanitizeResponseBody(resp.Body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	case isTransientStatus(resp.StatusCode):
		return &TransientError{Err: err}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
}

// decodeJSON checks the status and decodes the body into result.
func decodeJSON(endpoint string, resp *Response, result any) error {
	if err := checkStatus(endpoint, resp); err != nil {
		return err
	}

	if err := json.Unmarshal(resp.Body, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
