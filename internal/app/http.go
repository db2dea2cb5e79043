package app

import (
	"net/http"

	"chatrelay/pkg/api"
	"chatrelay/pkg/auth"
	"chatrelay/pkg/banner"
	"chatrelay/pkg/telemetry"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.cfg, a.cfg.Addr(), a.cfg.Server.DBPath, a.sources, verStr)
}

// buildRouter mounts the websocket endpoint, the REST surface, metrics
// and docs on one mux router.
func (a *App) buildRouter() *mux.Router {
	r := mux.NewRouter()

	// websocket endpoint; the handshake token gate lives in ServeWS
	r.HandleFunc("/ws", a.gw.ServeWS)

	// REST surface: status, history, stats
	api.Register(r, a.gw)

	// Swagger UI at /docs/ over the static OpenAPI document
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	r.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// handler wraps the router with the auth perimeter and the telemetry
// middleware, outermost last.
func (a *App) handler() http.Handler {
	secCfg := auth.SecConfig{
		AllowedOrigins: append([]string{}, a.cfg.Security.CORS.AllowedOrigins...),
		RPS:            a.cfg.Security.RateLimit.RPS,
		Burst:          a.cfg.Security.RateLimit.Burst,
		IPWhitelist:    append([]string{}, a.cfg.Security.IPWhitelist...),
		JWTSecret:      a.cfg.Security.JWTSecret,
		AdminKeys:      map[string]struct{}{},
	}
	for _, k := range a.cfg.Security.AdminKeys {
		secCfg.AdminKeys[k] = struct{}{}
	}

	wrapped := auth.AuthenticateRequestMiddleware(secCfg)(a.buildRouter())
	return telemetry.Middleware(wrapped)
}

// startHTTP builds the handler, starts the HTTP server in a goroutine
// and returns a channel that will carry any server error.
func (a *App) startHTTP() <-chan error {
	a.srv = &http.Server{Addr: a.cfg.Addr(), Handler: a.handler()}

	errCh := make(chan error, 1)
	go func() {
		cert := a.cfg.Server.TLS.CertFile
		key := a.cfg.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}
