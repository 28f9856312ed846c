package server

import (
	"net/http"

	"github.com/go-chi/jwtauth"
)

// NewJWTAuth builds the token verifier for the given HS256 secret.
func NewJWTAuth(secret string) *jwtauth.JWTAuth {
	return jwtauth.New("HS256", []byte(secret), nil)
}

// RequireJWT wraps the API routes with token verification. File serving
// stays public; mount this around the /api subtree only.
func RequireJWT(ja *jwtauth.JWTAuth) func(http.Handler) http.Handler {
	verifier := jwtauth.Verifier(ja)
	return func(next http.Handler) http.Handler {
		return verifier(jwtauth.Authenticator(next))
	}
}
