package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yyrichy/easyboard/internal/api"
	"github.com/yyrichy/easyboard/internal/config"
	"github.com/yyrichy/easyboard/internal/monitor"
	"github.com/yyrichy/easyboard/internal/room"
	"github.com/yyrichy/easyboard/internal/ws"
)

func main() {
	cfg := config.Load()

	registry := room.NewRegistry()
	apiHandler := api.New(registry)

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.RoomWarnThreshold = cfg.RoomWarnThreshold
	mon := monitor.New(registry, monitorCfg)
	mon.Start()
	defer mon.Stop()

	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Get("/healthz", apiHandler.HealthHandler)
	r.Get("/stats", apiHandler.StatsHandler)
	r.Handle("/metrics", promhttp.Handler())

	// Everything else is a room path: upgrades join the named room,
	// plain requests get a liveness response.
	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		if websocket.IsWebSocketUpgrade(req) {
			ws.ServeWs(registry, w, req)
			return
		}
		apiHandler.LivenessHandler(w, req)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Printf("🎨 easyboard relay starting on :%s", cfg.Port)
	log.Println("Endpoints:")
	log.Println("  - Sync relay: ws://host:port/{room}")
	log.Println("  - Health:     GET /healthz")
	log.Println("  - Stats:      GET /stats")
	log.Println("  - Metrics:    GET /metrics")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
