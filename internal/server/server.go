// Package server exposes the capture and retrieval engine over a small HTTP
// JSON API plus a WebSocket event stream for dashboards.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/unifiedai/recall/internal/config"
	"github.com/unifiedai/recall/internal/engine"
)

// Server wraps the HTTP listener and the WebSocket hub.
type Server struct {
	httpServer *http.Server
	hub        *EventHub
	addr       string
}

// Start builds the routing table and begins serving. Returns the actual
// listen address, which differs from the configured one when port 0 is used
// in tests. The server stops when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, eng *engine.Engine) (*Server, error) {
	h := &Handlers{engine: eng}

	hub := NewEventHub(eng)
	go hub.Run()

	mux := http.NewServeMux()

	mux.HandleFunc("/api/add", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.Add(w, r)
	})
	mux.HandleFunc("/api/search", requireGet(h.Search))
	mux.HandleFunc("/api/items", requireGet(h.ListItems))
	mux.HandleFunc("/api/items/{id}", requireGet(h.GetItem))
	mux.HandleFunc("/api/entities/top", requireGet(h.TopEntities))
	mux.HandleFunc("/api/entities/{id}/neighbors", requireGet(h.Neighbors))
	mux.HandleFunc("/api/entities/{id}/items", requireGet(h.EntityItems))
	mux.HandleFunc("/api/stats", requireGet(h.Stats))

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	// The WebSocket endpoint stays outside the timeout middleware: event
	// stream connections are long-lived by design.
	root := http.NewServeMux()
	root.Handle("/ws/events", hub)
	root.Handle("/", timeoutMiddleware(mux, cfg.Server.RequestTimeout))

	handler := securityHeadersMiddleware(root)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		hub.Stop()
	}()

	log.Printf("server: listening on %s", actualAddr)
	return &Server{httpServer: httpServer, hub: hub, addr: actualAddr}, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}

func requireGet(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}
