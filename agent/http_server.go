package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HealthResponse is served on the agent's /health endpoint.
type HealthResponse struct {
	Status        string  `json:"status"`
	NodeID        string  `json:"node_id"`
	Connected     bool    `json:"connected"`
	Draining      bool    `json:"draining"`
	Rentals       int     `json:"rentals"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// RentalView is one local rental as listed on /rentals.
type RentalView struct {
	RentalID    string `json:"rental_id"`
	ContainerID string `json:"container_id,omitempty"`
	Starting    bool   `json:"starting"`
}

// Handler serves the agent's local status endpoints.
func (a *Agent) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/rentals", a.handleListRentals).Methods(http.MethodGet)
	router.HandleFunc("/rentals/{id}", a.handleGetRental).Methods(http.MethodGet)
	return router
}

// startHTTPServer binds addr and serves Handler until ctx is cancelled.
func (a *Agent) startHTTPServer(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("agent http listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	a.logger.Info("starting agent HTTP server", zap.String("addr", ln.Addr().String()))

	a.tasks.Add(2)
	go func() {
		defer a.tasks.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("agent HTTP server error", zap.Error(err))
		}
	}()
	go func() {
		defer a.tasks.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("agent HTTP server shutdown error", zap.Error(err))
		}
	}()
	return nil
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	draining, rentals := a.draining, len(a.rentals)
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        string(a.Status()),
		NodeID:        a.cfg.NodeID,
		Connected:     a.Connected(),
		Draining:      draining,
		Rentals:       rentals,
		UptimeSeconds: a.now().Sub(a.started).Seconds(),
	})
}

func (a *Agent) handleListRentals(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	views := make([]RentalView, 0, len(a.rentals))
	for id, containerID := range a.rentals {
		views = append(views, RentalView{RentalID: id, ContainerID: containerID, Starting: containerID == ""})
	}
	a.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].RentalID < views[j].RentalID })
	writeJSON(w, http.StatusOK, views)
}

func (a *Agent) handleGetRental(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	a.mu.Lock()
	containerID, ok := a.rentals[id]
	a.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "rental not running on this node"})
		return
	}
	writeJSON(w, http.StatusOK, RentalView{RentalID: id, ContainerID: containerID, Starting: containerID == ""})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
