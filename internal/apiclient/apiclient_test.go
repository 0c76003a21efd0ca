package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/faraway-systems/terashare/internal/session"
	"github.com/faraway-systems/terashare/internal/transport"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	httpClient, err := transport.New(transport.Config{RequestTimeout: 2 * time.Second, MaxRetries: 1})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	sessions := session.New(httpClient, time.Hour)
	return New(httpClient, sessions), srv
}

func TestFetchPage_ReturnsBody(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>share page</html>"))
	})

	body, err := c.FetchPage(context.Background(), srv.URL+"/s/abc")
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if body != "<html>share page</html>" {
		t.Errorf("body = %q", body)
	}
}

func TestDecodeBody_JSON(t *testing.T) {
	data, err := decodeBody([]byte(`{"errno":0,"msg":"ok"}`))
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if data["msg"] != "ok" {
		t.Errorf("data[msg] = %v, want ok", data["msg"])
	}
}

func TestDecodeBody_WhitespacePaddedJSON(t *testing.T) {
	data, err := decodeBody([]byte("  \n {\"errno\":0} \n"))
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if _, ok := data["errno"]; !ok {
		t.Error("expected errno key present")
	}
}

func TestDecodeBody_RawHTMLFallback(t *testing.T) {
	data, err := decodeBody([]byte("<html>not json</html>"))
	if err != nil {
		t.Fatalf("decodeBody: %v", err)
	}
	if data["raw_html"] != "<html>not json</html>" {
		t.Errorf("raw_html = %v", data["raw_html"])
	}
}

func TestHostError_Error(t *testing.T) {
	e := &HostError{Errno: -6, Message: "session expired"}
	if e.Error() == "" {
		t.Error("expected non-empty error string")
	}
	var target *HostError
	if !errors.As(error(e), &target) {
		t.Error("expected errors.As to match *HostError")
	}
}

func TestCurrentMirror_RotatesInOrder(t *testing.T) {
	c := &Client{}
	first := c.currentMirror()
	if first != mirrors[0] {
		t.Errorf("first mirror = %q, want %q", first, mirrors[0])
	}
	c.rotateMirror()
	second := c.currentMirror()
	if second != mirrors[1] {
		t.Errorf("second mirror = %q, want %q", second, mirrors[1])
	}
	for i := 0; i < len(mirrors); i++ {
		c.rotateMirror()
	}
	if c.currentMirror() != second {
		t.Errorf("mirror cursor did not wrap correctly: got %q", c.currentMirror())
	}
}

func TestAsInt_AcceptsFloat64FromJSON(t *testing.T) {
	n, ok := asInt(float64(2))
	if !ok || n != 2 {
		t.Errorf("asInt(float64(2)) = %d, %v", n, ok)
	}
	if _, ok := asInt("not a number"); ok {
		t.Error("asInt should reject non-numeric types")
	}
}
