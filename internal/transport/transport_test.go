package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestDo_NoRetryOnHTTPErrorStatus(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want exactly 1 (no retry on status code)", hits)
	}
}

func TestDo_RetriesOnTransportError(t *testing.T) {
	// Point at a closed listener so every dial fails — a pure transport error.
	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	badURL := closed.URL
	closed.Close()

	c, err := New(Config{RequestTimeout: 5 * time.Second, MaxRetries: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	_, err = c.Do(context.Background(), http.MethodGet, badURL, nil, nil)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected error from unreachable server")
	}
	// With MaxRetries=2 and a 1s base backoff, the total wait should be at
	// least the first backoff interval, proving a retry was attempted.
	if elapsed < 1*time.Second {
		t.Errorf("elapsed = %v, want >= 1s (expected at least one retry backoff)", elapsed)
	}
}

func TestClient_CookieJarPersistsAcrossRequests(t *testing.T) {
	var sawCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "sess", Value: "abc123"})
			return
		}
		if c, err := r.Cookie("sess"); err == nil {
			sawCookie = c.Value
		}
	}))
	defer srv.Close()

	c, err := New(Config{RequestTimeout: 2 * time.Second, MaxRetries: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL+"/set", nil, nil)
	if err != nil {
		t.Fatalf("Do set: %v", err)
	}
	resp.Body.Close()

	resp, err = c.Do(context.Background(), http.MethodGet, srv.URL+"/check", nil, nil)
	if err != nil {
		t.Fatalf("Do check: %v", err)
	}
	resp.Body.Close()

	if sawCookie != "abc123" {
		t.Errorf("cookie not persisted across requests: got %q", sawCookie)
	}
}

func TestClient_Jar_SeedableByOrigin(t *testing.T) {
	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, _ := url.Parse("https://www.terabox.com")
	c.Jar().SetCookies(u, []*http.Cookie{{Name: "lang", Value: "en"}})

	got := c.Jar().Cookies(u)
	if len(got) != 1 || got[0].Value != "en" {
		t.Errorf("seeded cookie not readable back from jar: %+v", got)
	}
}
