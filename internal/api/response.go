package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/civicsight/internal/detect"
)

// labelScore is one entry of the optional score distribution.
type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// response is the body of every /api/detect-image/ reply. Exactly one of
// Scenario and Error is set; build it with [success] or [failure].
type response struct {
	Scenario string       `json:"scenario,omitempty"`
	Scores   []labelScore `json:"scores,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// success builds the response for a classification. Scores are attached only
// when labels is non-nil.
func success(res detect.Result, labels []string) response {
	r := response{Scenario: res.Scenario}
	if labels != nil {
		r.Scores = make([]labelScore, len(res.Scores))
		for i, s := range res.Scores {
			r.Scores[i] = labelScore{Label: labels[i], Score: s}
		}
	}
	return r
}

func failure(msg string) response {
	return response{Error: msg}
}

// labelsResponse is the body of GET /api/labels/.
type labelsResponse struct {
	Labels []string `json:"labels"`
	Model  string   `json:"model"`
}

// writeResult writes a detection response with the given status code.
func writeResult(w http.ResponseWriter, status int, res response) {
	writeJSON(w, status, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: write response", "err", err)
	}
}
