package middleware

import (
	"net/http"
	"strings"
)

// CORS answers preflight requests and sets Access-Control headers for
// origins in allowed. Listed origins are echoed back with credentials allowed.
// A "*" entry admits any other origin without credentials.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			switch {
			case origin == "":
			case originListed(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			case wildcard(allowed):
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originListed(allowed []string, origin string) bool {
	for _, ao := range allowed {
		if strings.EqualFold(strings.TrimSpace(ao), origin) {
			return true
		}
	}
	return false
}

func wildcard(allowed []string) bool {
	for _, ao := range allowed {
		if strings.TrimSpace(ao) == "*" {
			return true
		}
	}
	return false
}
