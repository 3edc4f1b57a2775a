package serverapi

import "net/http"

// HealthCheck is the load-balancer liveness probe.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
