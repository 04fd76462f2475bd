package api

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"rescueroute/internal/auth"
	"rescueroute/internal/dispatch"
	"rescueroute/internal/routing"
	"rescueroute/internal/store"
	"rescueroute/internal/webhooks"
)

type Server struct {
	Store     store.Store
	Engine    *dispatch.Engine
	Pub       *webhooks.Publisher
	Auth      *auth.Verifier
	Broker    EventBroker
	Locations *LocationCache
}

// NewServer creates a Server. If DATABASE_URL is unset, uses the
// in-memory store; if OSRM_URL is "static", routes are estimated
// locally instead of calling OSRM.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := sp.Migrate(context.Background()); err != nil {
				return nil, err
			}
		}
		s = sp
	}

	routeTimeout := 5 * time.Second
	if v := os.Getenv("ROUTE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			routeTimeout = time.Duration(n) * time.Millisecond
		}
	}
	var resolver routing.Resolver
	if os.Getenv("OSRM_URL") == "static" {
		resolver = routing.Static{}
	} else {
		resolver = routing.NewOSRM(os.Getenv("OSRM_URL"), routeTimeout)
	}

	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			log.Printf("redis broker init failed, falling back to in-process events: %v", err)
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	return &Server{
		Store:     s,
		Engine:    dispatch.New(s, resolver, routeTimeout),
		Pub:       webhooks.NewPublisher(s),
		Auth:      auth.NewVerifierFromEnv(),
		Broker:    broker,
		Locations: NewLocationCache(),
	}, nil
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
