package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller, taken from verified token claims.
type Principal struct {
	UserID string
	Email  string
	Name   string
	Avatar string
}

type Claims struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

var ErrInvalidToken = errors.New("invalid token")

type AuthService struct {
	jwtSecret []byte
	ttl       time.Duration
}

func NewAuthService(secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &AuthService{jwtSecret: []byte(secret), ttl: ttl}
}

// CreateJWT signs a token for p.
func (s *AuthService) CreateJWT(p Principal) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email:  p.Email,
		Name:   p.Name,
		Avatar: p.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})

	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyJWT checks the signature and expiry and returns the principal.
func (s *AuthService) VerifyJWT(tokenString string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: sub claim missing", ErrInvalidToken)
	}
	if claims.Email == "" {
		return Principal{}, fmt.Errorf("%w: email claim missing", ErrInvalidToken)
	}

	return Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
		Avatar: claims.Avatar,
	}, nil
}
