package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(origins []string, method, origin string) (*httptest.ResponseRecorder, bool) {
	reached := false
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(method, "/api/v1/sessions/sess_1", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, reached
}

func TestCORSExplicitOrigin(t *testing.T) {
	rec, reached := serveCORS([]string{"https://shop.example.com"}, http.MethodGet, "https://shop.example.com")
	if !reached {
		t.Fatal("expected request to reach the handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example.com" {
		t.Errorf("unexpected allow-origin %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("expected credentials for explicit origin, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, X-User-ID, X-Session-ID" {
		t.Errorf("unexpected allow-headers %q", got)
	}
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	rec, _ := serveCORS([]string{"*"}, http.MethodGet, "https://evil.example.com")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://evil.example.com" {
		t.Errorf("unexpected allow-origin %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("wildcard must not allow credentials, got %q", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	rec, reached := serveCORS([]string{"https://shop.example.com"}, http.MethodGet, "https://other.example.com")
	if !reached {
		t.Fatal("non-CORS handling is left to the browser")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no allow-origin, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	rec, reached := serveCORS([]string{"*"}, http.MethodOptions, "https://shop.example.com")
	if reached {
		t.Fatal("preflight must not reach the handler")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}
