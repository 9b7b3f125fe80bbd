package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_RoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)
	token, err := auth.CreateJWT(alice)
	require.NoError(t, err)

	p, err := auth.VerifyJWT(token)
	require.NoError(t, err)
	assert.Equal(t, alice, p)
}

func TestAuthService_Rejects(t *testing.T) {
	auth := NewAuthService("secret", time.Hour)

	sign := func(claims Claims, secret string) string {
		t.Helper()
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Subject:   alice.UserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	other, err := NewAuthService("other", time.Hour).CreateJWT(alice)
	require.NoError(t, err)

	tokens := map[string]string{
		"wrong secret": other,
		"garbage":      "not.a.token",
		"expired": sign(Claims{Email: alice.Email, RegisteredClaims: jwt.RegisteredClaims{
			Subject:   alice.UserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}, "secret"),
		"no subject": sign(Claims{Email: alice.Email, RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: valid.ExpiresAt,
		}}, "secret"),
		"no email": sign(Claims{RegisteredClaims: valid}, "secret"),
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			_, err := auth.VerifyJWT(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
