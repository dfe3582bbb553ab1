package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/kjannette/pricesync/internal/connectivity"
)

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Services  healthServices `json:"services"`
}

type healthServices struct {
	Database string `json:"database,omitempty"`
	Network  string `json:"network"`
	Feeds    int    `json:"feeds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	svc := healthServices{Network: "offline"}
	if s.deps.DB != nil {
		svc.Database = "connected"
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			svc.Database = "disconnected"
		}
	}
	if s.deps.Network != nil && s.deps.Network.Status(r.Context()).Online() {
		svc.Network = "online"
	}
	if s.deps.Manager != nil {
		svc.Feeds = len(s.deps.Manager.Keys())
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  svc,
	})
}

type connectivityResponse struct {
	Online      bool                   `json:"online"`
	IsConnected bool                   `json:"isConnected"`
	Transport   connectivity.Transport `json:"transportType"`
	IsReachable bool                   `json:"isReachable"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	st := connectivity.Offline
	if s.deps.Network != nil {
		st = s.deps.Network.Status(r.Context())
	}
	writeJSON(w, http.StatusOK, connectivityResponse{
		Online:      st.Online(),
		IsConnected: st.IsConnected,
		Transport:   st.Transport,
		IsReachable: st.IsReachable,
	})
}

type feedJSON struct {
	Key   string `json:"key"`
	State string `json:"state"`
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	out := []feedJSON{}
	if s.deps.Manager != nil {
		for _, k := range s.deps.Manager.Keys() {
			st, ok := s.deps.Manager.State(k)
			if !ok {
				continue
			}
			out = append(out, feedJSON{Key: k, State: st.String()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFeedRetry resubscribes a feed immediately instead of waiting for
// its backoff timer.
func (s *Server) handleFeedRetry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Manager == nil {
		writeError(w, http.StatusNotFound, "no realtime feeds configured")
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.deps.Manager.Retry(r.Context(), key); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	st, _ := s.deps.Manager.State(key)
	writeJSON(w, http.StatusOK, feedJSON{Key: key, State: st.String()})
}
