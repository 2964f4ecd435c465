package receipt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const blobAudience = "blob"

// URLSigner mints and checks the tokens carried by local signed URLs
type URLSigner struct {
	secret []byte
}

// NewURLSigner creates a signer from a shared secret
func NewURLSigner(secret string) (*URLSigner, error) {
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	return &URLSigner{secret: []byte(secret)}, nil
}

// Sign returns a token granting read access to path until ttl elapses
func (s *URLSigner) Sign(path string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   path,
		Audience:  jwt.ClaimStrings{blobAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing blob token: %w", err)
	}
	return signed, nil
}

// Verify checks that token is unexpired and grants access to path
func (s *URLSigner) Verify(token, path string) error {
	if token == "" {
		return errors.New("missing blob token")
	}
	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(blobAudience),
		jwt.WithSubject(path),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("verifying blob token: %w", err)
	}
	return nil
}
