package api

import (
	"net/http"

	"github.com/kuitang/notebook-sync/internal/obs"
	"github.com/kuitang/notebook-sync/internal/ratelimit"
)

// NewRouter wraps the API routes in the request middleware chain:
// correlation, access logging, user check, then the per-user rate limit.
// Unauthenticated routes such as /metrics go on public.
func NewRouter(h *Handler, limiter *ratelimit.RateLimiter, public *http.ServeMux) http.Handler {
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)

	var protected http.Handler = apiMux
	if limiter != nil {
		protected = ratelimit.RateLimitMiddleware(limiter, UserKey)(protected)
	}
	protected = RequireUser(protected)

	root := http.NewServeMux()
	if public == nil {
		public = http.NewServeMux()
	}
	public.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Handle("/healthz", public)
	root.Handle("/metrics", public)
	root.Handle("/", protected)

	return obs.RequestContextMiddleware(obs.AccessLogMiddleware("api", root))
}
