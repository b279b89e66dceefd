package session

import (
	"encoding/json"
	"net/http"
	"time"
)

// HandleStatus handles GET /status
func (c *Controller) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.Status())
}

// HandleHealth handles GET /healthz. It reports 503 once the session has
// stopped.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	st := c.Status()
	status := "healthy"
	if !c.Running() {
		status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"state":     st.State,
		"timestamp": time.Now().Unix(),
	})
}
