package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestToken_RoundTrip(t *testing.T) {
	svc := NewGuestTokenService("test-secret", 24)

	token, err := svc.Issue("room42", "Alex")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	roomID, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "room42", roomID)
}

func TestGuestToken_WrongSecretRejected(t *testing.T) {
	issuer := NewGuestTokenService("secret-a", 24)
	verifier := NewGuestTokenService("secret-b", 24)

	token, err := issuer.Issue("room42", "Alex")
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGuestToken_TamperedRejected(t *testing.T) {
	svc := NewGuestTokenService("test-secret", 24)
	token, err := svc.Issue("room42", "Alex")
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + ".eyJyb29tX2lkIjoicm9vbTk5In0." + parts[2]

	_, err = svc.Validate(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGuestToken_ExpiredRejected(t *testing.T) {
	svc := NewGuestTokenService("test-secret", 24)
	claims := GuestClaims{
		RoomID: "room42",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGuestToken_WrongSigningMethodRejected(t *testing.T) {
	svc := NewGuestTokenService("test-secret", 24)
	// alg=none tokens must never validate
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, GuestClaims{RoomID: "room42"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGuestToken_GarbageRejected(t *testing.T) {
	svc := NewGuestTokenService("test-secret", 24)
	_, err := svc.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
