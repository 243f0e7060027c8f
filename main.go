package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/deskbridge/deskbridge/internal/config"
	"github.com/deskbridge/deskbridge/internal/devicestore"
	"github.com/deskbridge/deskbridge/internal/handlers"
	"github.com/deskbridge/deskbridge/internal/logging"
	"github.com/deskbridge/deskbridge/internal/proxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	logging.Init(cfg.LogPath)

	devices, err := devicestore.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Device store: %v", err)
	}
	defer devices.Close()

	srv := proxy.New(proxy.Config{
		Port:        cfg.Port,
		AppID:       cfg.AppID,
		ServerName:  cfg.ServerName,
		StorageRoot: cfg.StorageRoot,
		PairingTTL:  cfg.PairingTTL,
		AuthTimeout: cfg.AuthTimeout,
		MaxClients:  cfg.MaxClients,
		Recorder:    devices,
	})

	handlers.Proxy = srv
	handlers.Devices = devices

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws", srv.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/pairing", handlers.IssuePairing)
		r.Get("/status", handlers.GetStatus)
		r.Get("/devices", handlers.ListDevices)
		r.Delete("/devices/{deviceId}", handlers.ForgetDevice)
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	if err := srv.Start(r); err != nil {
		log.Fatalf("Server start: %v", err)
	}
	log.Printf("Server listening on port %d (pairing ttl=%s, auth timeout=%s, max clients=%d)",
		srv.Port(), cfg.PairingTTL, cfg.AuthTimeout, cfg.MaxClients)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event consumers. A desktop application embedding this proxy
	// replaces these with its chat and media subsystems; standalone,
	// they answer with placeholders so paired devices get a reply.
	go runChatResponder(sigCtx, srv)
	go runMediaProcessor(sigCtx, srv)
	go logConnEvents(sigCtx, srv)

	// Maintenance: sweep stale pairing tokens and prune old device
	// history. The issuer also sweeps on every issue call.
	maint := cron.New()
	if _, err := maint.AddFunc(cfg.MaintenanceCron, func() {
		if n := srv.SweepExpiredTokens(); n > 0 {
			log.Printf("Maintenance: swept %d expired pairing tokens", n)
		}
		if n, err := devices.Prune(cfg.DeviceRetention); err != nil {
			log.Printf("Maintenance: device prune: %v", err)
		} else if n > 0 {
			log.Printf("Maintenance: pruned %d stale device records", n)
		}
	}); err != nil {
		log.Fatalf("Maintenance schedule %q: %v", cfg.MaintenanceCron, err)
	}
	maint.Start()
	defer maint.Stop()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Close(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func runChatResponder(ctx context.Context, srv *proxy.Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-srv.ChatEvents():
			reply := fmt.Sprintf("No chat responder is attached to this host. Received: %s", ev.Content)
			if err := srv.SendChatResponse(ev.SessionID, reply, ev.MessageID); err != nil {
				log.Printf("Chat responder: %v", err)
			}
		}
	}
}

func runMediaProcessor(ctx context.Context, srv *proxy.Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-srv.MediaEvents():
			result := map[string]any{
				"status": "unprocessed",
				"detail": "no media processor is attached to this host",
			}
			if err := srv.SendMediaResult(ev.SessionID, ev.MediaID, result); err != nil {
				log.Printf("Media processor: %v", err)
			}
		}
	}
}

func logConnEvents(ctx context.Context, srv *proxy.Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-srv.ConnEvents():
			log.Printf("Client %s (%s) %s", ev.Device.Name, ev.Device.Platform, ev.Kind)
		}
	}
}
