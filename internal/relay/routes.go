package relay

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const recentRoomsLimit = 20

func (s *Server) registerRoutes() {
	// Operational endpoints
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Room websocket
	s.router.HandleFunc("/ws/{room}", s.handleWebSocket).Methods(http.MethodGet)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

type roomsResponse struct {
	Live   map[string]int `json:"live"`
	Recent []RoomActivity `json:"recent"`
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	recent, err := s.store.RecentRooms(r.Context(), recentRoomsLimit)
	if err != nil {
		s.log.Error("listing recent rooms failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "room history unavailable"})
		return
	}
	if recent == nil {
		recent = []RoomActivity{}
	}
	writeJSON(w, http.StatusOK, roomsResponse{Live: s.hub.Rooms(), Recent: recent})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
