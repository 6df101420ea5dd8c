package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/prats-2311/story-sign-sub001/internal/analysis"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/pool"
	"github.com/prats-2311/story-sign-sub001/internal/story"
)

// maxStoryBodyBytes bounds a recognize_and_generate request; frame_data
// may carry one base64 webcam still.
const maxStoryBodyBytes = 16 << 20

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("response encode failed", logging.KeyError, err)
	}
}

type healthResponse struct {
	Status            string  `json:"status"`
	ActiveConnections int     `json:"active_connections"`
	Accepting         bool    `json:"accepting"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Version           string  `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	accepting := s.deps.Pool.Accepting()
	status := "healthy"
	if !accepting {
		status = "draining"
	}
	respondJSON(w, http.StatusOK, healthResponse{
		Status:            status,
		ActiveConnections: s.deps.Pool.Active(),
		Accepting:         accepting,
		UptimeSeconds:     time.Since(s.startedAt).Seconds(),
		Version:           s.deps.Version,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Config.SafeView())
}

type statsResponse struct {
	Pool     pool.Stats     `json:"pool"`
	Stories  story.Stats    `json:"stories"`
	Analysis analysis.Stats `json:"analysis"`
	Version  string         `json:"version"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statsResponse{
		Pool:     s.deps.Pool.Stats(),
		Stories:  s.deps.Stories.Stats(),
		Analysis: s.deps.Analysis.Stats(),
		Version:  s.deps.Version,
	})
}

func (s *Server) handleClientInfo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := s.deps.Pool.ClientInfo(id)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown client id",
		})
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStoryBodyBytes+1))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, &story.StoryError{
			ErrorType:   "read_error",
			UserMessage: "could not read the request body",
		})
		return
	}
	if len(body) > maxStoryBodyBytes {
		respondJSON(w, http.StatusRequestEntityTooLarge, &story.StoryError{
			ErrorType:    "validation_error",
			UserMessage:  "request body too large",
			RetryAllowed: false,
		})
		return
	}

	var req story.Request
	if err := json.Unmarshal(body, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, &story.StoryError{
			ErrorType:   "validation_error",
			UserMessage: "request body is not valid JSON",
		})
		return
	}

	resp, serr := s.deps.Stories.Generate(r.Context(), req)
	if serr != nil {
		status := serr.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, serr)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
