package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalid = errors.New("invalid token")

const (
	audienceSession = "huntd-session"
	audienceStream  = "huntd-stream"
	issuer          = "huntd"
)

// Claims identify the holder of a long-lived session token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// StreamClaims scope a short-lived token to one execution's live channel.
type StreamClaims struct {
	ExecutionID string `json:"eid"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner uses secret, falling back to JWT_SECRET and then a fixed default.
func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "change-me-secret"
	}
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) IssueSession(username string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			Audience:  jwt.ClaimStrings{audienceSession},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Signer) ParseSession(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if err := s.parse(tokenStr, claims, audienceSession); err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueStream returns a token valid only for the live channel of executionID.
func (s *Signer) IssueStream(executionID, subject string, ttl time.Duration) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl)
	claims := StreamClaims{
		ExecutionID: executionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audienceStream},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return tok, exp, err
}

// ParseStream verifies a stream token and that it was issued for executionID.
func (s *Signer) ParseStream(tokenStr, executionID string) (*StreamClaims, error) {
	claims := &StreamClaims{}
	if err := s.parse(tokenStr, claims, audienceStream); err != nil {
		return nil, err
	}
	if claims.ExecutionID == "" || claims.ExecutionID != executionID {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (s *Signer) parse(tokenStr string, claims jwt.Claims, audience string) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return ErrInvalid
	}
	return nil
}
