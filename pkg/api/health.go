package api

import (
	"net/http"

	"github.com/heliogrid/heliogrid/pkg/metrics"
)

// Health endpoints report the component registry kept by pkg/metrics

func healthHandler(w http.ResponseWriter, r *http.Request) {
	metrics.HealthHandler()(w, r)
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	metrics.ReadyHandler()(w, r)
}

func liveHandler(w http.ResponseWriter, r *http.Request) {
	metrics.LivenessHandler()(w, r)
}

func metricsHandler() http.Handler {
	return metrics.Handler()
}
