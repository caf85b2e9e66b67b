package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"rwadesk/gateway/middleware"
)

// Config assembles the gateway edge: the JSON-RPC handler to mount at /rpc,
// plus the auth and observability middlewares guarding it.
type Config struct {
	RPCHandler    http.Handler
	Authenticator *middleware.Authenticator
	Observability *middleware.Observability
	RequiredScope string
}

// New builds the gateway router: /healthz, /metrics and the guarded /rpc
// mount.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()

	obs := cfg.Observability
	if obs != nil {
		r.Use(obs.Middleware("root"))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	if cfg.RPCHandler != nil {
		rpcHandler := cfg.RPCHandler
		if cfg.Authenticator != nil {
			scopes := []string{}
			if cfg.RequiredScope != "" {
				scopes = append(scopes, cfg.RequiredScope)
			}
			rpcHandler = cfg.Authenticator.Middleware(scopes...)(rpcHandler)
		}
		r.Handle("/rpc", rpcHandler)
	}

	return r
}
