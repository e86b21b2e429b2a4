package main

import (
	"log"
	"net/http"

	httphandlers "finch/internal/interfaces/http"
	"finch/internal/shared/config"
	"finch/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", httphandlers.HandleHealth)

	// OAuth callback is unauthenticated: the provider redirects the browser
	// here and the state token identifies the user.
	mux.HandleFunc("/api/bank/callback", deps.BankHandler.HandleCallback)

	// Protected routes
	authMiddleware := middleware.Auth(deps.JWT)

	mux.Handle("/api/bank/connect", authMiddleware(http.HandlerFunc(deps.BankHandler.HandleConnect)))
	mux.Handle("/api/bank/sync", authMiddleware(http.HandlerFunc(deps.BankHandler.HandleSync)))
	mux.Handle("/api/bank/status", authMiddleware(http.HandlerFunc(deps.BankHandler.HandleStatus)))
	mux.Handle("/api/bank/balance", authMiddleware(http.HandlerFunc(deps.BankHandler.HandleBalance)))
	mux.Handle("/api/bank/balance-cached", authMiddleware(http.HandlerFunc(deps.BankHandler.HandleBalanceCached)))
	mux.Handle("/api/bank/disconnect", authMiddleware(http.HandlerFunc(deps.BankHandler.HandleDisconnect)))

	// Apply global middleware
	handler := middleware.Logging(middleware.Tracing(middleware.CORS(cfg.Server.AllowedHosts)(mux)))

	// otelhttp instrumentation on the outside when exporting telemetry
	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(handler)
	}

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(middleware.SecureCookies(handler))
		log.Println("TLS security middleware enabled (HSTS + SecureCookies)")
	}

	return handler
}
