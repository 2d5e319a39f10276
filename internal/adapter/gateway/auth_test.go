package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func testAuth() *StaticTokenAuth {
	return NewStaticTokenAuth([]TokenEntry{
		{Token: "secret-123", UserID: "u1", Name: "Ada"},
	})
}

func TestStaticTokenAuthValid(t *testing.T) {
	user, err := testAuth().Authenticate("secret-123")
	require.NoError(t, err)
	assert.Equal(t, domain.User{ID: "u1", Name: "Ada"}, user)
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	_, err := testAuth().Authenticate("wrong-token")
	assert.ErrorIs(t, err, domain.ErrGatewayAuthFailed)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}

func TestStaticTokenAuthEmpty(t *testing.T) {
	_, err := NewStaticTokenAuth(nil).Authenticate("anything")
	assert.Error(t, err)
}

func TestWithUser(t *testing.T) {
	var seen domain.User
	h := withUser(testAuth())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = domain.UserFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		setup    func(r *http.Request)
		wantCode int
		wantUser string
	}{
		{"anonymous", func(*http.Request) {}, http.StatusOK, ""},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-123") }, http.StatusOK, "u1"},
		{"query token", func(r *http.Request) { r.URL.RawQuery = "token=secret-123" }, http.StatusOK, "u1"},
		{"bad token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = domain.User{}
			r := httptest.NewRequest(http.MethodGet, "/api/agents/a1", nil)
			tt.setup(r)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantUser, seen.ID)
		})
	}
}

func TestWithUserNilAuthenticator(t *testing.T) {
	called := false
	h := withUser(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.False(t, domain.UserFromContext(r.Context()).Authenticated())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer whatever")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, called)
}
