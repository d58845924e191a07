package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/heliogrid/heliogrid/pkg/metrics"
)

// instrument records request metrics and logs every request. Mutating
// requests are logged at info, reads at debug.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routeLabel(r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		event := s.logger.Debug()
		if !isReadOnlyMethod(r.Method) || status >= http.StatusInternalServerError {
			event = s.logger.Info()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// routeLabel keeps metric cardinality bounded by using the route pattern
func routeLabel(r *http.Request) string {
	pattern := ""
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		pattern = rctx.RoutePattern()
	}
	if pattern == "" {
		pattern = "unmatched"
	}
	return r.Method + " " + strings.TrimSuffix(pattern, "/")
}

// isReadOnlyMethod checks if an HTTP method only reads state
func isReadOnlyMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
