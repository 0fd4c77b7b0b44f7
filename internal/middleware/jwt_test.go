package myMiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubValidator map[string][3]string

func (s stubValidator) ValidateToken(token string) (string, string, string, error) {
	v, ok := s[token]
	if !ok {
		return "", "", "", errors.New("bad token")
	}
	return v[0], v[1], v[2], nil
}

var validator = stubValidator{
	"staff-token":    {"S1", "alice", "staff"},
	"customer-token": {"C1", "bob", "customer"},
}

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserID(r.Context())
		if !ok {
			id = "anonymous"
		}
		w.Write([]byte(id + "/" + Role(r.Context())))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestHandle(t *testing.T) {
	am := NewAuthMiddleware(validator)
	h := am.Handle(echoIdentity())

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	require.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer staff-token")
	rec = serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "S1/staff", rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/?token=customer-token", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "C1/customer", rec.Body.String())
}

func TestOptional(t *testing.T) {
	am := NewAuthMiddleware(validator)
	h := am.Optional(echoIdentity())

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "anonymous/", rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/?token=garbage", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRole(t *testing.T) {
	am := NewAuthMiddleware(validator)
	h := am.Handle(RequireRole("staff")(echoIdentity()))

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/?token=customer-token", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/?token=staff-token", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
