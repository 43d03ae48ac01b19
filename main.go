package main

import (
	"context"
	"diagram-sync/broadcast"
	"diagram-sync/config"
	"diagram-sync/crdt"
	"diagram-sync/handlers/api/diagrams"
	"diagram-sync/handlers/api/rooms"
	"diagram-sync/handlers/api/snapshots"
	"diagram-sync/handlers/socketio"
	"diagram-sync/handlers/websocket"
	"diagram-sync/session"
	"diagram-sync/stores"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// originAllowed accepts local development origins, the desktop shell and any
// explicitly configured origin.
func originAllowed(allowed []string) func(origin string) bool {
	extra := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		extra[origin] = struct{}{}
	}
	return func(origin string) bool {
		if origin == "" {
			return false
		}
		if _, ok := extra[origin]; ok {
			return true
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		case "tauri":
			return parsed.Hostname() == "localhost"
		}

		return false
	}
}

func setupRouter(cfg *config.Config, registry *session.Registry, store stores.Store, ws *websocket.Server) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	allow := originAllowed(cfg.AllowedOrigins)
	corsOptions := cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return allow(origin)
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length", "If-None-Match"},
		ExposedHeaders:   []string{"ETag", "Last-Modified"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	r.Use(cors.Handler(corsOptions))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"status":      "ok",
			"sessions":    len(registry.Sessions()),
			"connections": ws.Connections(),
		})
	})

	r.Get("/ws/diagram/{diagramId}", ws.HandleDiagram)
	r.Get("/ws/diagram/{diagramId}/", ws.HandleDiagram)

	r.Get("/api/rooms", rooms.HandleList(registry, store))
	diagrams.Register(r, registry, store, store)
	snapshots.Register(r, registry, store)

	return r
}

func waitForShutdown() {
	exit := make(chan struct{})
	SignalC := make(chan os.Signal, 1)

	signal.Notify(SignalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for s := range SignalC {
			switch s {
			case os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				close(exit)
				return
			}
		}
	}()

	<-exit
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.SetupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := stores.GetStore(ctx, cfg.Storage)
	registry := session.NewRegistry(crdt.Engine{}, store, broadcast.NewBus(), session.Options{
		EchoToOrigin: cfg.Session.EchoToOrigin,
		FlushTimeout: cfg.Session.FlushTimeout,
	})

	ws := websocket.NewServer(registry, websocket.Options{
		QueueSize:       cfg.Transport.OutboundQueueSize,
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
		CheckOrigin:     originAllowed(cfg.AllowedOrigins),
	})
	r := setupRouter(cfg, registry, store, ws)

	ioo := socketio.SetupSocketIO(registry, socketio.Options{
		QueueSize:       cfg.Transport.OutboundQueueSize,
		MaxMessageBytes: cfg.Transport.MaxMessageBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	})
	r.Handle("/socket.io/", ioo.ServeHandler(nil))

	go registry.Run(ctx, cfg.Session.AutosaveInterval)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	logrus.WithField("addr", cfg.ListenAddr).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown()
	logrus.Info("Shutting down...")

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Session.FlushTimeout+5*time.Second)
	defer done()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	if err := ws.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Websocket connections did not drain")
	}
	ioo.Close(nil)
	if err := registry.Close(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Failed to flush sessions on shutdown")
	}
	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close storage")
		}
	}
}
