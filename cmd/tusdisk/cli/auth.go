package cli

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/goji/httpauth"

	"github.com/tusdisk/tusdisk/pkg/handler"
)

// authMiddleware returns the authentication wrapper for the upload routes or
// nil if authentication is disabled.
func authMiddleware() (func(http.Handler) http.Handler, error) {
	switch {
	case Flags.AuthJwtPublicKey != "":
		key := Flags.AuthJwtPublicKey
		if !strings.HasPrefix(strings.TrimSpace(key), "-----BEGIN") {
			content, err := os.ReadFile(key)
			if err != nil {
				return nil, fmt.Errorf("unable to read jwt public key: %s", err)
			}
			key = string(content)
		}

		checker, err := handler.NewJwtChecker(key)
		if err != nil {
			return nil, fmt.Errorf("invalid jwt public key: %s", err)
		}

		printStartupLog("Requiring bearer tokens for uploads.\n")
		return checker.Middleware, nil
	case Flags.AuthBasicUser != "":
		basicAuth := httpauth.SimpleBasicAuth(Flags.AuthBasicUser, Flags.AuthBasicPassword)

		printStartupLog("Requiring basic authentication for uploads.\n")
		return func(next http.Handler) http.Handler {
			protected := basicAuth(next)
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// Browsers send CORS preflight requests without credentials.
				if r.Method == http.MethodOptions {
					next.ServeHTTP(w, r)
					return
				}
				protected.ServeHTTP(w, r)
			})
		}, nil
	}

	return nil, nil
}
