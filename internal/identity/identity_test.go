package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareIssuesStableCookie(t *testing.T) {
	t.Parallel()

	var seen []string
	handler := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, PlayerIDFromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected identity cookie")
	}
	if !isValidAnonID(cookies[0].Value) {
		t.Fatalf("cookie value %q does not match id pattern", cookies[0].Value)
	}

	// Second request with the cookie keeps the same identity.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(seen) != 2 || seen[0] != seen[1] {
		t.Errorf("player ids = %v, want stable identity", seen)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"", DefaultSessionIDValue},
		{"tab-1", "tab-1"},
		{"  spaced  ", "spaced"},
		{"bad session!", DefaultSessionIDValue},
		{"x:y.z_1", "x:y.z_1"},
	}
	for _, tc := range cases {
		if got := sanitizeSessionID(tc.in); got != tc.want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
