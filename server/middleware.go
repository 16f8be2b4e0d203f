package server

import (
	"net"
	"net/http"
	"strings"

	"ensemble-matcher/auth"
	"ensemble-matcher/workflow"
)

// authenticate requires a valid bearer token and stores its subject as the
// caller in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, workflow.Unauthenticated, "sign-in required")
			return
		}
		claims, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			s.logger.Info("Rejected bearer token", "ip", clientIP(r), "error", err)
			writeError(w, workflow.Unauthenticated, "sign-in required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), claims.Subject)))
	})
}

// rateLimit throttles per caller, or per client IP when there is no caller.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + clientIP(r)
		if uid, ok := auth.UserFrom(r.Context()); ok {
			key = "user:" + uid
		}
		if !s.limiter.Allow(r.Context(), key) {
			s.logger.Warn("Rate limit exceeded", "key", key)
			writeError(w, resourceExhausted, "too many requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (Cloud Run)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	// Fallback to RemoteAddr
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
