package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/yyrichy/easyboard/internal/room"
)

// API serves the diagnostic HTTP surface next to the relay protocol.
type API struct {
	registry *room.Registry
}

func New(registry *room.Registry) *API {
	return &API{registry: registry}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"active_rooms":       a.registry.RoomCount(),
		"active_connections": a.registry.ConnCount(),
		"rooms":              a.registry.RoomNames(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

// LivenessHandler answers plain HTTP requests that hit the relay path
// without upgrading. Not part of the protocol proper.
func (a *API) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("easyboard relay is running\n"))
}
