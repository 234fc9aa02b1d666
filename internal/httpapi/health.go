package httpapi

import "net/http"

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// Health reports liveness plus a best-effort check of the database and
// cache, per §4.13's unauthenticated GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok", Cache: "ok"}
	status := http.StatusOK

	if err := s.DB.Ping(r.Context()); err != nil {
		resp.Database = "unavailable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if err := s.Cache.Ping(r.Context()); err != nil {
		resp.Cache = "unavailable"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, r, status, resp)
}
