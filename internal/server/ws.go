package server

import (
	"errors"
	"net/http"

	"github.com/prats-2311/story-sign-sub001/internal/logging"
	"github.com/prats-2311/story-sign-sub001/internal/pool"
)

// handleWS upgrades the request and hands the socket to the pool. The
// pre-check rejects with plain HTTP while it still can; after the
// upgrade the pool answers rejections with a websocket close frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Pool.Accepting() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own status.
		log.Warn("websocket upgrade failed",
			"remote", r.RemoteAddr,
			logging.KeyError, err)
		return
	}

	group := r.URL.Query().Get("group")
	id, err := s.deps.Pool.Connect(conn, group)
	if err != nil {
		if !errors.Is(err, pool.ErrCapacityExceeded) && !errors.Is(err, pool.ErrShuttingDown) {
			log.Warn("connection rejected", "remote", r.RemoteAddr, logging.KeyError, err)
		}
		return
	}
	log.Debug("websocket session opened",
		logging.KeyClientID, id,
		"remote", r.RemoteAddr,
		"group", group)
}
