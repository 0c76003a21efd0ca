// Package apiclient issues authenticated requests against the Host's
// undocumented API, rotating between mirror domains and reacting to the
// Host's errno-coded responses by refreshing the session or advancing to
// the next mirror as appropriate.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/faraway-systems/terashare/internal/session"
	"github.com/faraway-systems/terashare/internal/transport"
)

// mirrors is the ordered list of Host domains tried in rotation. The cursor
// advances on errno 112 ("sign error" on some mirrors, observed to mean the
// mirror itself is misbehaving) and on transport-level failures.
var mirrors = []string{
	"www.terabox.com",
	"terabox.com",
	"www.teraboxapp.com",
	"www.1024tera.com",
}

// HostError represents an application-level error returned by the Host
// inside an otherwise successful HTTP response: errno != 0.
type HostError struct {
	Errno   int
	Message string
	RawBody string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("apiclient: host error errno=%d msg=%q", e.Errno, e.Message)
}

// Sentinel errno values that drive reaction policy. These are the raw
// integers rather than a Go error type because their meaning is endpoint
// dependent (see the /share/streaming special case in request below).
const (
	errnoSessionInvalidA = -6
	errnoSessionInvalidB = -9
	errnoSessionOrSkip   = 2
	errnoMirrorBad       = 112
)

// Client issues requests against the current mirror, injecting the common
// query parameters every endpoint expects and reacting to errno-coded
// responses by refreshing the session (apiclient.sessions) or rotating
// mirrors.
type Client struct {
	http     *transport.Client
	sessions *session.Manager

	mu     sync.Mutex
	cursor int
}

// New builds a Client bound to httpClient and sessions.
func New(httpClient *transport.Client, sessions *session.Manager) *Client {
	return &Client{http: httpClient, sessions: sessions}
}

func (c *Client) currentMirror() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return mirrors[c.cursor%len(mirrors)]
}

func (c *Client) rotateMirror() {
	c.mu.Lock()
	c.cursor++
	next := mirrors[c.cursor%len(mirrors)]
	c.mu.Unlock()
	log.Printf("apiclient: rotating to mirror %s", next)
}

// Get issues a GET request against path on the current mirror, with params
// merged with the common tracking parameters every call must carry.
func (c *Client) Get(ctx context.Context, path string, params url.Values, referer string) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodGet, path, params, nil, referer)
}

// Post issues a form-encoded POST against path on the current mirror.
func (c *Client) Post(ctx context.Context, path string, params url.Values, form url.Values, referer string) (map[string]interface{}, error) {
	return c.request(ctx, http.MethodPost, path, params, form, referer)
}

// HeadFollow issues a HEAD request against rawURL and returns the URL of
// the final response in the redirect chain, used by the extraction
// pipeline to resolve a pre-baked dlink to its terminal location.
func (c *Client) HeadFollow(ctx context.Context, rawURL string) (string, error) {
	sess, err := c.sessions.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("apiclient: acquire session: %w", err)
	}
	resp, err := c.http.Do(ctx, http.MethodHead, rawURL, sess.APIHeaders(rawURL), nil)
	if err != nil {
		return "", fmt.Errorf("apiclient: head %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("apiclient: head %s: status %d", rawURL, resp.StatusCode)
	}
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String(), nil
	}
	return rawURL, nil
}

// FetchPage issues a GET and returns the raw response body as text, for
// endpoints that serve HTML rather than JSON (the share landing page).
func (c *Client) FetchPage(ctx context.Context, rawURL string) (string, error) {
	sess, err := c.sessions.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("apiclient: acquire session: %w", err)
	}
	resp, err := c.http.Do(ctx, http.MethodGet, rawURL, sess.APIHeaders(rawURL), nil)
	if err != nil {
		c.rotateMirror()
		return "", fmt.Errorf("apiclient: fetch page: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("apiclient: read page body: %w", err)
	}
	return string(body), nil
}

func (c *Client) request(ctx context.Context, method, path string, params, form url.Values, referer string) (map[string]interface{}, error) {
	sess, err := c.sessions.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("apiclient: acquire session: %w", err)
	}

	mirror := c.currentMirror()
	if params == nil {
		params = url.Values{}
	}
	params.Set("channel", "chunlei")
	params.Set("web", "1")
	params.Set("app_id", "250528")
	params.Set("clienttype", "0")
	params.Set("dp-logid", sess.Logid)

	reqURL := "https://" + mirror + path + "?" + params.Encode()
	if referer == "" {
		referer = "https://" + mirror + "/"
	}

	var body io.Reader
	headers := sess.APIHeaders(referer)
	if method == http.MethodPost && form != nil {
		body = strings.NewReader(form.Encode())
		headers.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(ctx, method, reqURL, headers, body)
	if err != nil {
		c.rotateMirror()
		return nil, fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: read response body: %w", err)
	}

	data, err := decodeBody(raw)
	if err != nil {
		return nil, fmt.Errorf("apiclient: decode response: %w", err)
	}

	errno, hasErrno := asInt(data["errno"])
	if !hasErrno || errno == 0 {
		return data, nil
	}

	hostErr := &HostError{Errno: errno, Message: hostErrorMessage(data, errno), RawBody: string(raw)}

	// errno 2 means "session invalid" on most endpoints, but on
	// /share/streaming it means "this stream type is not applicable, try
	// the next one" — callers of that endpoint must inspect the errno
	// themselves rather than relying on this generic reaction policy.
	if strings.HasSuffix(path, "/share/streaming") && errno == errnoSessionOrSkip {
		return data, hostErr
	}

	switch errno {
	case errnoSessionInvalidA, errnoSessionInvalidB, errnoSessionOrSkip:
		log.Printf("apiclient: errno %d on %s, invalidating session", errno, path)
		c.sessions.Invalidate()
	case errnoMirrorBad:
		c.rotateMirror()
	}

	return data, hostErr
}

func decodeBody(raw []byte) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err == nil {
		return data, nil
	}
	// Some endpoints send text/plain with a JSON body; re-attempt after
	// trimming whitespace before giving up and treating it as raw HTML.
	trimmed := strings.TrimSpace(string(raw))
	if err := json.Unmarshal([]byte(trimmed), &data); err == nil {
		return data, nil
	}
	return map[string]interface{}{"raw_html": string(raw)}, nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// hostErrorMessage falls back from errmsg to show_msg to a synthetic
// message naming the errno, since the Host omits errmsg on some endpoints.
func hostErrorMessage(data map[string]interface{}, errno int) string {
	if msg := asString(data["errmsg"]); msg != "" {
		return msg
	}
	if msg := asString(data["show_msg"]); msg != "" {
		return msg
	}
	return fmt.Sprintf("host error %d", errno)
}
