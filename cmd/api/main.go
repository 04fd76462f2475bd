package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rescueroute/internal/api"
	"rescueroute/internal/metrics"
)

func main() {
	srv, err := api.NewServer()
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	mux := http.NewServeMux()

	// Emergencies
	mux.HandleFunc("/v1/emergencies", srv.EmergenciesHandler)
	mux.HandleFunc("/v1/emergencies/", srv.EmergencyByIDHandler) // includes /mine, /assigned, /status, /cancel, /events/stream, /locations

	// Stations & dispatch
	mux.HandleFunc("/v1/stations", srv.StationsHandler)
	mux.HandleFunc("/v1/admin/stations/import", srv.StationImportHandler)
	mux.HandleFunc("/v1/dispatch/overview", srv.DispatchOverviewHandler)

	// Responder location pings
	mux.HandleFunc("/v1/locations", srv.LocationsHandler)

	// Webhook subscriptions
	mux.HandleFunc("/v1/subscriptions", srv.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srv.SubscriptionsHandler)

	// Live feed
	mux.HandleFunc("/v1/ws", srv.WSHandler)

	// Health & ops
	mux.HandleFunc("/healthz", srv.HealthHandler)
	mux.HandleFunc("/readyz", srv.ReadyHandler)
	mux.HandleFunc("/debugz", srv.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// Docs
	mux.HandleFunc("/openapi.yaml", srv.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", srv.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", srv.DocsHandler)

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	handler := api.RateLimitMiddleware(api.MetricsMiddleware(logMiddleware(mux)))
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on %s", addr)
	worker := srv.NewWebhookWorker()
	worker.Start()
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}
