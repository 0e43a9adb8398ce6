package status

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// ClaimsFromContext returns the verified claims stored by JWTMiddleware.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// LoadRSAPublicKey reads a PEM-encoded RSA public key (PKCS#1 or PKIX) from
// path.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("status: read public key %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("status: parse public key %q: %w", path, err)
	}
	return key, nil
}

// JWTMiddleware returns middleware that requires an RS256 bearer token
// signed by pub. Expired tokens and any other algorithm are rejected with
// 401 and a JSON error body.
func JWTMiddleware(pub *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	keyFunc := func(*jwt.Token) (any, error) { return pub, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := bearerClaims(r, parser, keyFunc)
			if err != nil {
				logger.Warn("status: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerClaims(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (*jwt.RegisteredClaims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		return nil, err
	}
	return claims, nil
}

func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, detail)
}
