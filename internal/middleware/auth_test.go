package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

type stubValidator struct {
	userID uuid.UUID
	err    error

	gotToken string
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	s.gotToken = token
	return s.userID, s.err
}

func TestJWTAuthValidToken(t *testing.T) {
	userID := uuid.New()
	v := &stubValidator{userID: userID}

	var gotID uuid.UUID
	var found bool
	handler := JWTAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, found = UserIDFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil)
	req.Header.Set("Authorization", "Bearer sometoken")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if v.gotToken != "sometoken" {
		t.Errorf("token passed to validator: %q", v.gotToken)
	}
	if !found || gotID != userID {
		t.Errorf("user id in context: got (%v, %v), want (%v, true)", gotID, found, userID)
	}
}

func TestJWTAuthMissingHeader(t *testing.T) {
	handler := JWTAuth(&stubValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without a token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
}

func TestJWTAuthMalformedHeader(t *testing.T) {
	for _, h := range []string{"sometoken", "Basic dXNlcg==", "Bearer"} {
		handler := JWTAuth(&stubValidator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("handler ran for header %q", h)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", h)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status %d, want 401", h, rec.Code)
		}
	}
}

func TestJWTAuthInvalidToken(t *testing.T) {
	v := &stubValidator{err: errors.New("token is expired")}
	handler := JWTAuth(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run with an invalid token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
}

func TestUserIDFromCtxAbsent(t *testing.T) {
	if _, ok := UserIDFromCtx(context.Background()); ok {
		t.Error("UserIDFromCtx should report absence on a bare context")
	}
}
