// Package session bootstraps and refreshes the browser-like cookies and
// scraped tokens the Host's API requires on every call, and generates the
// per-request identifiers (logid, signature) derived from that state.
package session

import (
	"context"
	"crypto/md5" //nolint:gosec // required by the Host's own signature scheme, not used for security
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/faraway-systems/terashare/internal/transport"
)

// State is a snapshot of everything the API client needs to authenticate a
// request. It is immutable once returned by Manager.Current; a refresh
// produces a new State rather than mutating one in place.
type State struct {
	Cookies     map[string]string
	UserAgent   string
	JsToken     string
	BdsToken    string
	CsrfToken   string
	Logid       string
	DeviceID    string
	BrowserID   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether s should no longer be used to authenticate a
// request.
func (s *State) Expired() bool {
	return s == nil || time.Now().After(s.ExpiresAt)
}

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var (
	jsTokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`fn%28%22(\w+)%22%29`),
		regexp.MustCompile(`"jsToken"\s*:\s*"(\w+)"`),
		regexp.MustCompile(`window\.jsToken\s*=\s*"(\w+)"`),
	}
	bdsTokenPatterns = []*regexp.Regexp{
		regexp.MustCompile(`"bdstoken"\s*:\s*"(\w+)"`),
		regexp.MustCompile(`bdstoken[\"']?\s*[:=]\s*[\"'](\w+)[\"']`),
	}
)

// Manager owns the current State and serializes bootstrap/refresh so that
// concurrent callers racing past expiry collapse into a single request.
type Manager struct {
	http       *transport.Client
	ttl        time.Duration
	landingURL string

	mu      sync.Mutex
	current *State

	group singleflight.Group
}

// New builds a Manager. ttl controls how long a freshly bootstrapped State
// is considered valid before the next call triggers a refresh.
func New(httpClient *transport.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	return &Manager{http: httpClient, ttl: ttl, landingURL: "https://www.terabox.com"}
}

// Current returns a valid State, bootstrapping or refreshing one if the
// cached State is missing or expired. Concurrent calls during a refresh
// share the same in-flight bootstrap.
func (m *Manager) Current(ctx context.Context) (*State, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	if !cur.Expired() {
		return cur, nil
	}

	v, err, _ := m.group.Do("bootstrap", func() (interface{}, error) {
		m.mu.Lock()
		cur := m.current
		m.mu.Unlock()
		if !cur.Expired() {
			return cur, nil
		}

		log.Printf("session: bootstrapping new session (expired=%v)", cur.Expired())
		s, err := m.bootstrap(ctx)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.current = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*State), nil
}

// Invalidate forces the next Current call to bootstrap a fresh State,
// called by the API client when a response's errno signals the session is
// no longer accepted by the Host.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

func (m *Manager) bootstrap(ctx context.Context) (*State, error) {
	deviceID, err := randomAlnum(32)
	if err != nil {
		return nil, fmt.Errorf("session: generate device id: %w", err)
	}
	browserID := browserID()
	logid, err := generateLogid()
	if err != nil {
		return nil, fmt.Errorf("session: generate logid: %w", err)
	}

	landing := m.landingURL
	resp, err := m.http.Do(ctx, http.MethodGet, landing, m.defaultHeaders(""), nil)
	if err != nil {
		return nil, fmt.Errorf("session: bootstrap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("session: read bootstrap body: %w", err)
	}
	html := string(body)

	u, _ := url.Parse(landing)
	m.http.Jar().SetCookies(u, []*http.Cookie{
		{Name: "lang", Value: "en"},
		{Name: "ndus", Value: deviceID},
		{Name: "browserid", Value: browserID},
		{Name: "__bid_n", Value: browserID[:16]},
	})

	cookies := map[string]string{}
	for _, c := range m.http.Jar().Cookies(u) {
		cookies[c.Name] = c.Value
	}

	s := &State{
		Cookies:   cookies,
		UserAgent: userAgent,
		JsToken:   firstMatch(jsTokenPatterns, html),
		BdsToken:  firstMatch(bdsTokenPatterns, html),
		Logid:     logid,
		DeviceID:  deviceID,
		BrowserID: browserID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(m.ttl),
	}
	return s, nil
}

// CookieString renders the current cookie jar as a single Cookie header
// value in "k=v; k2=v2" form.
func (s *State) CookieString() string {
	parts := make([]string, 0, len(s.Cookies))
	for k, v := range s.Cookies {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

// defaultHeaders returns the header set used for top-level page navigation
// requests (the bootstrap GET of the landing page).
func (m *Manager) defaultHeaders(referer string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Upgrade-Insecure-Requests", "1")
	if referer != "" {
		h.Set("Referer", referer)
	}
	return h
}

// APIHeaders returns the header set used for XHR/API calls, distinct from
// the navigation header set: Sec-Fetch-Dest/Mode/Site carry XHR-appropriate
// values, and Origin is derived from the first three slash-delimited
// segments of referer (scheme://host).
func (s *State) APIHeaders(referer string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", s.UserAgent)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Cookie", s.CookieString())
	if referer != "" {
		h.Set("Referer", referer)
		if parts := strings.SplitN(referer, "/", 4); len(parts) >= 3 {
			h.Set("Origin", strings.Join(parts[:3], "/"))
		}
	}
	return h
}

// Sign computes the Host's placeholder signature: md5("<shareid>_<timestamp>").
// The real Host algorithm is not publicly documented; this reproduces the
// value the original client sends, which the Host has been observed to
// accept for the download/streaming endpoints that require one.
func Sign(timestamp, shareID string) string {
	sum := md5.Sum([]byte(shareID + "_" + timestamp)) //nolint:gosec
	return fmt.Sprintf("%x", sum)
}

func firstMatch(patterns []*regexp.Regexp, s string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(s); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

const alnum = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomAlnum(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(alnum))))
		if err != nil {
			return "", err
		}
		b[i] = alnum[idx.Int64()]
	}
	return string(b), nil
}

func browserID() string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d%d", time.Now().UnixNano(), mustRandInt()))) //nolint:gosec
	return fmt.Sprintf("%x", sum)[:24]
}

func mustRandInt() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return time.Now().UnixNano()
	}
	return n.Int64()
}

// generateLogid reproduces the Host's dp-logid format: a 13-digit
// millisecond timestamp followed by 8 random lowercase alphanumerics.
func generateLogid() (string, error) {
	suffix, err := randomAlnum(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d%s", time.Now().UnixMilli(), suffix), nil
}
