// RS256 JWT bearer-token authentication middleware for the status API.
//
// All requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// Tokens are verified against a configured RSA public key; only RS256 is
// accepted. Expiry is always enforced; issuer and audience are enforced when
// configured. On any failure the middleware responds with HTTP 401 and a
// JSON error body.
package status

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is an unexported type for context keys in this package.
type contextKey int

const claimsKey contextKey = 0

// JWTConfig holds the middleware configuration.
type JWTConfig struct {
	// PublicKey verifies RS256 signatures. Required.
	PublicKey *rsa.PublicKey

	// Issuer, if non-empty, is compared against the "iss" claim.
	Issuer string

	// Audience, if non-empty, must appear in the "aud" claim.
	Audience string

	// Logger records per-request authentication failures. When nil,
	// slog.Default() is used.
	Logger *slog.Logger
}

// ClaimsFromContext retrieves the verified claims injected by JWTMiddleware.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	c, ok := ctx.Value(claimsKey).(jwt.MapClaims)
	return c, ok
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key. Both
// PKCS#1 ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings are accepted.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("jwt: unsupported PEM type %q", block.Type)
	}
}

// JWTMiddleware returns a middleware enforcing RS256 bearer-token
// authentication per cfg. On success the verified claims are stored in the
// request context; on failure the response is HTTP 401 and the next handler
// is never called.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := extractAndValidate(r, cfg.PublicKey, opts)
			if err != nil {
				logger.Warn("jwt: authentication failed",
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

// extractAndValidate parses the Authorization header and verifies the token.
func extractAndValidate(r *http.Request, key *rsa.PublicKey, opts []jwt.ParserOption) (jwt.MapClaims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	tokenStr := strings.TrimPrefix(raw, "Bearer ")
	if tokenStr == "" {
		return nil, errors.New("empty bearer token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
