package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/planmeter/pkg/api"
	"github.com/mihaimyh/planmeter/pkg/auth"
)

// router mounts the webhook, billing and usage routes
func (a *app) router(verifier *auth.Verifier) (http.Handler, error) {
	apiConfig := api.Config{
		Manager:   a.manager,
		GetUserID: auth.UserID,
		GetEmail:  auth.Email,
		Logger:    a.logger.With("api"),
	}
	if a.provider != nil {
		apiConfig.Provider = a.provider
	}
	handler, err := api.NewHandler(apiConfig)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	// Webhooks authenticate by signature, not bearer token
	if a.provider != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", a.provider.WebhookHandler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, auth.MiddlewareConfig{Logger: a.logger.With("auth")}))
		r.Get("/usage", handler.GetUsage)
		r.Post("/billing/checkout", handler.Checkout)
		r.Post("/billing/portal", handler.Portal)
	})

	return r, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := log.Debug()
			if status >= http.StatusInternalServerError {
				event = log.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
