// Package main is the Master control-plane entry point: it loads
// configuration, constructs the Master value, exposes the admin HTTP
// surface and SUT control-channel WebSocket endpoint, and runs until a
// shutdown signal arrives.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-benchfabric/master/internal/config"
	httpmw "github.com/r3e-benchfabric/master/internal/httpmw"
	"github.com/r3e-benchfabric/master/internal/logging"
	"github.com/r3e-benchfabric/master/internal/master"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("master", cfg.Logging.Level, cfg.Logging.Format)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := master.New(cfg, logger)
	if err != nil {
		log.Fatalf("construct master: %v", err)
	}

	router := mux.NewRouter()
	router.Use(httpmw.LoggingMiddleware(logger))
	router.Use(httpmw.NewRecoveryMiddleware(logger).Handler)
	if cfg.Runtime.MetricsEnabled {
		router.Use(httpmw.MetricsMiddleware("master", m.Metrics))
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	router.Use(httpmw.NewCORSMiddleware(&httpmw.CORSConfig{
		AllowedOrigins: []string{"*"},
	}).Handler)
	router.Use(httpmw.NewBodyLimitMiddleware(cfg.Server.MaxBodyBytes).Handler)
	router.Use(httpmw.NewSecurityHeadersMiddleware(
		httpmw.DefaultSecurityHeaders(cfg.IsProduction()),
	).Handler)
	router.Use(httpmw.NewTimeoutMiddleware(cfg.Server.RequestTimeout).Handler)

	health := httpmw.NewHealthChecker(version)
	health.RegisterCheck("registry", func() error { return nil })
	router.HandleFunc("/health", health.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/ws", handleControlChannel(m))
	registerAdminRoutes(router, m, cfg.Server.AdminTokens)

	server := &http.Server{
		Addr:              cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.RequestTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout,
		IdleTimeout:       120 * time.Second,
	}

	localIP := detectLocalIP()
	if err := m.StartAnnouncer(ctx, localIP, version); err != nil {
		logger.Warn(ctx, "announcer failed to start", map[string]interface{}{"error": err.Error()})
	}
	m.StartStaleSweep(ctx)
	m.StartCampaignWorkers(ctx)

	shutdown := httpmw.NewGracefulShutdown(server, cfg.Server.ShutdownTimeout, logger)
	shutdown.OnShutdown(func() {
		cancel()
		if !m.Campaign.Wait(5 * time.Second) {
			logger.Warn(context.Background(), "campaign workers did not join before deadline", nil)
		}
		m.Close(context.Background())
	})
	shutdown.ListenForSignals()

	logger.Info(ctx, "master listening", map[string]interface{}{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	shutdown.Wait()
}

func detectLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
