package main

import (
	"encoding/json"
	"net/http"

	"deaddrop/internal/metrics"
)

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(metrics.GetAllMetrics()); err != nil {
			s.logger.WithError(err).Error("Failed to encode metrics")
		}
	}
}
