package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubValidator map[string]string

func (s stubValidator) ValidateToken(token string) (string, string, error) {
	id, ok := s[token]
	if !ok {
		return "", "", errors.New("bad token")
	}
	return id, "name-" + id, nil
}

func protected(t *testing.T) http.Handler {
	t.Helper()
	am := NewAuthMiddleware(stubValidator{"good": "u1"})
	return am.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, name, ok := UserFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, "u1", id)
		assert.Equal(t, "name-u1", name)
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestHandleBearerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	protected(t).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleQueryFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=good", nil)
	rec := httptest.NewRecorder()
	protected(t).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleRejects(t *testing.T) {
	cases := map[string]string{
		"missing": "",
		"invalid": "Bearer nope",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			protected(t).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}
