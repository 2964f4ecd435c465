package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const ownerKey contextKey = "owner_id"

// WithOwner returns a context carrying the authenticated owner ID
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey, ownerID)
}

// OwnerFrom returns the authenticated owner ID, or "" for anonymous requests
func OwnerFrom(ctx context.Context) string {
	ownerID, _ := ctx.Value(ownerKey).(string)
	return ownerID
}

// Authenticator verifies bearer tokens and maps their subject to an owner ID
type Authenticator struct {
	keyfunc jwt.Keyfunc
	methods []string
}

// NewAuthenticator creates an Authenticator from an arbitrary key function
func NewAuthenticator(kf jwt.Keyfunc, methods []string) *Authenticator {
	return &Authenticator{keyfunc: kf, methods: methods}
}

// NewHMACAuthenticator verifies HS256 tokens signed with a shared secret
func NewHMACAuthenticator(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	key := []byte(secret)
	return NewAuthenticator(func(*jwt.Token) (any, error) {
		return key, nil
	}, []string{jwt.SigningMethodHS256.Alg()}), nil
}

// NewJWKSAuthenticator verifies asymmetric tokens against a remote JWKS.
// Keys are refreshed in the background until ctx is done.
func NewJWKSAuthenticator(ctx context.Context, jwksURL string) (*Authenticator, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("loading jwks: %w", err)
	}
	return NewAuthenticator(k.Keyfunc, []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "EdDSA"}), nil
}

// Authenticate returns the token subject
func (a *Authenticator) Authenticate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, a.keyfunc, jwt.WithValidMethods(a.methods))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrAuth)
	}
	return sub, nil
}

// Middleware puts the token subject into the request context.
// Requests without an Authorization header continue anonymously; a bad token is rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="receipt-ledger"`)
			writeError(w, fmt.Errorf("%w: expected a bearer token", ErrAuth))
			return
		}

		ownerID, err := a.Authenticate(strings.TrimSpace(tokenString))
		if err != nil {
			slog.Debug("Rejected bearer token", "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="receipt-ledger", error="invalid_token"`)
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
	})
}
