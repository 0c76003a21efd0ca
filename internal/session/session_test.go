package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/faraway-systems/terashare/internal/transport"
)

// newTestManager builds a Manager pointed at a local httptest server instead
// of the real landing host, so bootstrap can be exercised without network
// access.
func newTestManager(t *testing.T, handler http.HandlerFunc) *Manager {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	httpClient, err := transport.New(transport.Config{RequestTimeout: 2 * time.Second, MaxRetries: 1})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	m := New(httpClient, 50*time.Millisecond)
	m.landingURL = srv.URL
	return m
}

func TestState_Expired(t *testing.T) {
	var s *State
	if !s.Expired() {
		t.Error("nil state should be expired")
	}

	s = &State{ExpiresAt: time.Now().Add(-time.Second)}
	if !s.Expired() {
		t.Error("past ExpiresAt should be expired")
	}

	s = &State{ExpiresAt: time.Now().Add(time.Hour)}
	if s.Expired() {
		t.Error("future ExpiresAt should not be expired")
	}
}

func TestManager_Current_BootstrapsAndCaches(t *testing.T) {
	var hits int
	var mu sync.Mutex
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session_id", Value: "xyz"})
		w.Write([]byte(`<script>window.jsToken="abc123token";</script><input name="bdstoken" value="bdsVALUE123">`))
	})

	s1, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	s2, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if s1 != s2 {
		t.Error("expected cached state to be reused before expiry")
	}

	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 1 {
		t.Errorf("bootstrap hit server %d times, want 1", got)
	}
}

func TestManager_Current_RefreshesAfterExpiry(t *testing.T) {
	var hits int
	var mu sync.Mutex
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	})

	if _, err := m.Current(context.Background()); err != nil {
		t.Fatalf("Current: %v", err)
	}
	time.Sleep(75 * time.Millisecond)
	if _, err := m.Current(context.Background()); err != nil {
		t.Fatalf("Current: %v", err)
	}

	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 2 {
		t.Errorf("bootstrap hit server %d times after expiry, want 2", got)
	}
}

func TestManager_Invalidate_ForcesRefresh(t *testing.T) {
	var hits int
	var mu sync.Mutex
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	})

	if _, err := m.Current(context.Background()); err != nil {
		t.Fatalf("Current: %v", err)
	}
	m.Invalidate()
	if _, err := m.Current(context.Background()); err != nil {
		t.Fatalf("Current: %v", err)
	}

	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 2 {
		t.Errorf("bootstrap hit server %d times after Invalidate, want 2", got)
	}
}

func TestManager_Current_ConcurrentCallsCollapse(t *testing.T) {
	var hits int
	var mu sync.Mutex
	m := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Current(context.Background()); err != nil {
				t.Errorf("Current: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	got := hits
	mu.Unlock()
	if got != 1 {
		t.Errorf("concurrent Current calls triggered %d bootstraps, want 1", got)
	}
}

func TestAPIHeaders_OriginDerivedFromReferer(t *testing.T) {
	s := &State{UserAgent: "ua", Cookies: map[string]string{"a": "b"}}
	h := s.APIHeaders("https://www.terabox.com/s/1abc?foo=bar")
	if got := h.Get("Origin"); got != "https://www.terabox.com" {
		t.Errorf("Origin = %q, want %q", got, "https://www.terabox.com")
	}
	if got := h.Get("Sec-Fetch-Dest"); got != "empty" {
		t.Errorf("Sec-Fetch-Dest = %q, want empty", got)
	}
}

func TestDefaultHeaders_NavigationDistinctFromAPI(t *testing.T) {
	m := &Manager{}
	nav := m.defaultHeaders("")
	if nav.Get("Sec-Fetch-Mode") != "navigate" {
		t.Errorf("navigation Sec-Fetch-Mode = %q, want navigate", nav.Get("Sec-Fetch-Mode"))
	}

	s := &State{UserAgent: "ua"}
	api := s.APIHeaders("")
	if api.Get("Sec-Fetch-Mode") != "cors" {
		t.Errorf("api Sec-Fetch-Mode = %q, want cors", api.Get("Sec-Fetch-Mode"))
	}
}

func TestSign_MatchesMD5OfShareIDUnderscoreTimestamp(t *testing.T) {
	got := Sign("1700000000", "abc123")
	if len(got) != 32 {
		t.Errorf("Sign length = %d, want 32 (hex md5)", len(got))
	}
	// md5("abc123_1700000000")
	if want := "bf67a8ce77c896272a7605347c26daa1"; got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
	if got != Sign("1700000000", "abc123") {
		t.Error("Sign is not deterministic for identical inputs")
	}
	if got == Sign("1700000001", "abc123") {
		t.Error("Sign should differ when timestamp differs")
	}
}

func TestGenerateLogid_Format(t *testing.T) {
	id, err := generateLogid()
	if err != nil {
		t.Fatalf("generateLogid: %v", err)
	}
	if len(id) != 21 {
		t.Fatalf("logid length = %d, want 21 (13-digit timestamp + 8 suffix chars)", len(id))
	}
	if strings.ContainsAny(id[13:], "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		t.Error("logid suffix should be lowercase alphanumeric only")
	}
}

func TestCookieString_ContainsEveryPair(t *testing.T) {
	s := &State{Cookies: map[string]string{"a": "1", "b": "2"}}
	cs := s.CookieString()
	if !strings.Contains(cs, "a=1") || !strings.Contains(cs, "b=2") {
		t.Errorf("CookieString = %q, missing expected pairs", cs)
	}
}
