package auth

import (
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/planmeter/pkg/planmeter"
)

// MiddlewareConfig controls auth enforcement
type MiddlewareConfig struct {
	// Optional lets anonymous requests through without claims. Requests that
	// carry a token are still verified.
	Optional bool

	// Logger records rejected requests (default: NoopLogger)
	Logger planmeter.Logger
}

// Middleware verifies the bearer token and stores its claims on the request
// context. Missing or invalid tokens get 401.
func Middleware(verifier *Verifier, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = &planmeter.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" && cfg.Optional {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := extractBearerToken(header)
			if !ok {
				logger.Warn("auth failure: missing or malformed Authorization header",
					planmeter.Field{Key: "path", Value: r.URL.Path})
				respondUnauthorized(w, ErrMissingToken.Error())
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("auth failure: token rejected",
					planmeter.Field{Key: "path", Value: r.URL.Path},
					planmeter.Field{Key: "error", Value: err.Error()})
				respondUnauthorized(w, ErrInvalidToken.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
