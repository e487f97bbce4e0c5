package identity

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
)

func serve(t *testing.T, req *http.Request) (userID, sessionID string, rec *httptest.ResponseRecorder) {
	t.Helper()
	rec = httptest.NewRecorder()
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
	}))
	h.ServeHTTP(rec, req)
	return userID, sessionID, rec
}

func TestMiddlewareUsesQueryParameters(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?user_id=user-1&session_id=sess_abc", nil)
	userID, sessionID, _ := serve(t, req)

	if userID != "user-1" {
		t.Errorf("expected user-1, got %q", userID)
	}
	if sessionID != "sess_abc" {
		t.Errorf("expected sess_abc, got %q", sessionID)
	}
}

func TestMiddlewarePrefersHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?user_id=query-user&session_id=query-sess", nil)
	req.Header.Set(UserHeaderName, "header-user")
	req.Header.Set(SessionHeaderName, "header-sess")
	userID, sessionID, _ := serve(t, req)

	if userID != "header-user" || sessionID != "header-sess" {
		t.Errorf("expected header identity, got %q / %q", userID, sessionID)
	}
}

func TestMiddlewareGeneratesSessionID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?user_id=user-1", nil)
	_, sessionID, _ := serve(t, req)

	if !regexp.MustCompile(`^sess_[0-9a-f]{12}$`).MatchString(sessionID) {
		t.Errorf("unexpected generated session id %q", sessionID)
	}
}

func TestMiddlewareAnonymousCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	userID, _, rec := serve(t, req)

	if !isValidAnonID(userID) {
		t.Fatalf("expected anonymous id, got %q", userID)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != userID {
		t.Fatalf("expected cookie with %q, got %+v", userID, cookies)
	}

	// The cookie is reused on the next request.
	again := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	again.AddCookie(cookies[0])
	second, _, _ := serve(t, again)
	if second != userID {
		t.Errorf("expected cookie identity %q, got %q", userID, second)
	}
}

func TestMiddlewareRejectsUnsafeIDs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/chat?user_id=../../etc&session_id=a%20b", nil)
	userID, sessionID, _ := serve(t, req)

	if userID == "../../etc" {
		t.Error("expected unsafe user id to be replaced")
	}
	if sessionID == "a b" || sessionID == "" {
		t.Errorf("expected a generated session id, got %q", sessionID)
	}
}
