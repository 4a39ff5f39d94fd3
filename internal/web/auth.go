package web

import (
	"context"
	"net/http"

	"relcal/internal/config"
)

type tenantKey struct{}

// tenantFrom returns the tenant resolved by tenantMiddleware.
func tenantFrom(ctx context.Context) string {
	if t, ok := ctx.Value(tenantKey{}).(string); ok {
		return t
	}
	return config.DefaultTenant
}

// tenantMiddleware authenticates the request with HTTP Basic Auth and scopes
// it to the user's tenant. With no users configured every request belongs to
// the default tenant.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	if !s.cfg.AuthEnabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), tenantKey{}, config.DefaultTenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	users := s.cfg.Users
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if ok {
			for _, user := range users {
				// Both comparisons always run.
				nameOK := secureCompare(u, user.Username)
				passOK := secureCompare(p, user.Password)
				if nameOK && passOK {
					ctx := context.WithValue(r.Context(), tenantKey{}, user.TenantID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="relcal", charset="UTF-8"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	})
}
