package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/access-engine/auth"
	"github.com/warp/access-engine/ledger"
)

func newVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier("test-secret")
	require.NoError(t, err)
	return v
}

func TestNewVerifier_RequiresSecret(t *testing.T) {
	_, err := auth.NewVerifier("  ")
	require.Error(t, err)
}

func TestVerify_RoundTrip(t *testing.T) {
	v := newVerifier(t)
	token, err := v.Issue("u1", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, ledger.UserID("u1"), p.UserID)
	assert.True(t, p.IsAdmin())
}

func TestVerify_Rejects(t *testing.T) {
	v := newVerifier(t)
	other, err := auth.NewVerifier("other-secret")
	require.NoError(t, err)

	wrongKey, err := other.Issue("u1", "", time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue("u1", "", -time.Hour)
	require.NoError(t, err)
	noSub, err := v.Issue("", "", time.Hour)
	require.NoError(t, err)
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u1", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong key", wrongKey},
		{"expired", expired},
		{"missing subject", noSub},
		{"alg none", noneAlg},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.ErrorIs(t, err, auth.ErrInvalidToken)
		})
	}
}

func TestMiddleware(t *testing.T) {
	// GIVEN: A handler that echoes the principal's user id
	// WHEN: Called with and without a token, and on the admin route as a plain user
	// THEN: 401 without a valid token, 403 for non-admin, 200 otherwise

	v := newVerifier(t)
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.FromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(p.UserID))
	})
	user := v.Middleware(nil)(echo)
	admin := v.Middleware(nil)(auth.RequireAdmin(nil)(echo))

	userToken, err := v.Issue("u1", "", time.Hour)
	require.NoError(t, err)
	adminToken, err := v.Issue("ops", auth.RoleAdmin, time.Hour)
	require.NoError(t, err)

	call := func(h http.Handler, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call(user, "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(user, "junk").Code)

	rec := call(user, userToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, call(admin, userToken).Code)
	assert.Equal(t, http.StatusOK, call(admin, adminToken).Code)
}
