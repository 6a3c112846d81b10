package api

import (
	"encoding/json"
	"net/http"
	"time"

	"jobengine/internal/core"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	Location  string   `json:"location"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// handleCronPreview lists upcoming firings of an expression in the daemon's location.
// An expression that does not parse is reported in the body, not as an HTTP error.
func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Expr == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "expr is required")
		return
	}
	base := time.Now()
	if req.Now != "" {
		parsed, err := time.Parse(time.RFC3339, req.Now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "now must be an RFC 3339 timestamp")
			return
		}
		base = parsed
	}

	res := cronPreviewResponse{Location: s.location.String()}
	times, err := core.PreviewCron(req.Expr, base.In(s.location), req.Count)
	if err != nil {
		res.Message = err.Error()
		writeJSON(w, http.StatusOK, res)
		return
	}
	res.Valid = true
	for _, t := range times {
		res.NextTimes = append(res.NextTimes, t.Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, res)
}
