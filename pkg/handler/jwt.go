package handler

import (
	"crypto/rsa"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = NewError("ERR_UNAUTHORIZED", "missing or invalid bearer token", http.StatusUnauthorized)

// JwtChecker verifies that requests carry a valid RS256 bearer token in the
// Authorization header. Identity management is left to the token issuer.
type JwtChecker struct {
	PubKey *rsa.PublicKey
}

func NewJwtChecker(pub string) (*JwtChecker, error) {
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pub))
	if err != nil {
		return nil, err
	}

	return &JwtChecker{
		PubKey: pubKey,
	}, nil
}

// Middleware rejects requests without a valid token with 401 Unauthorized.
// CORS preflight requests are passed through since browsers do not attach
// credentials to them.
func (j *JwtChecker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !j.valid(r.Header.Get("Authorization")) {
			resp := ErrUnauthorized.HTTPResponse
			resp.Header = HTTPHeader{
				"Content-Type":     "text/plain; charset=utf-8",
				"WWW-Authenticate": `Bearer realm="tusdisk"`,
			}
			resp.writeTo(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (j *JwtChecker) valid(authHeader string) bool {
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tokenString == "" {
		return false
	}

	// we parse our jwt token and check for validity against our key
	token, err := jwt.Parse(
		tokenString,
		func(token *jwt.Token) (interface{}, error) {
			return j.PubKey, nil
		},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
	)
	if err != nil {
		return false
	}

	return token.Valid
}
