package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		_, _ = w.Write([]byte(id.ID))
	})
}

func serve(h http.Handler, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware(t *testing.T) {
	s := NewStatic("", map[string]Identity{"s1": {ID: "dash"}})
	h := s.Middleware(map[string]struct{}{"/health": {}})(echoIdentity())

	rec := serve(h, "/v1/query", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "missing_api_key")

	rec = serve(h, "/v1/query", "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_api_key")

	rec = serve(h, "/v1/query", "s1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "dash", rec.Body.String())

	rec = serve(h, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEmptyStoreRejects(t *testing.T) {
	h := NewStatic("", nil).Middleware(map[string]struct{}{"/health": {}})(echoIdentity())

	rec := serve(h, "/x", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "missing_api_key")

	rec = serve(h, "/x", "anything")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_api_key")

	require.Equal(t, http.StatusOK, serve(h, "/health", "").Code)
}

func TestRequireAdmin(t *testing.T) {
	s := NewStatic("", map[string]Identity{
		"user":  {ID: "dash"},
		"admin": {ID: "ops", Admin: true},
	})
	h := s.Middleware(nil)(RequireAdmin(echoIdentity()))

	require.Equal(t, http.StatusForbidden, serve(h, "/admin/status", "user").Code)
	rec := serve(h, "/admin/status", "admin")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ops", rec.Body.String())
}
