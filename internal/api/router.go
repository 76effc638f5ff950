// Package api wires the HTTP handlers into a router.
package api

import (
	"net/http"

	"github.com/dvloznov/finance-ledger/internal/api/handlers"
	"github.com/dvloznov/finance-ledger/internal/api/middleware"
	"github.com/rs/zerolog"
)

// Handlers groups the endpoint handlers served by the router.
type Handlers struct {
	Sync     *handlers.SyncHandler
	Balances *handlers.BalancesHandler
	Jobs     *handlers.JobsHandler
}

// Options configures the middleware chain.
type Options struct {
	// APIToken, when set, is required as a bearer token on every route but /health.
	APIToken   string
	CORSOrigin string
}

// NewRouter registers every route and applies the middleware chain.
func NewRouter(h Handlers, opts Options, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Accounts
	mux.HandleFunc("POST /api/accounts/{id}/sync", h.Sync.SyncAccount)
	mux.HandleFunc("GET /api/accounts/{id}/syncs/latest", h.Sync.LatestAccountSync)
	mux.HandleFunc("GET /api/accounts/{id}/balances", h.Balances.ListBalances)
	mux.HandleFunc("POST /api/accounts/{id}/export", h.Balances.ExportBalances)

	// Families
	mux.HandleFunc("POST /api/families/{id}/sync", h.Sync.SyncFamily)
	mux.HandleFunc("GET /api/families/{id}/syncs/latest", h.Sync.LatestFamilySync)
	mux.HandleFunc("GET /api/families/{id}/net-worth", h.Balances.NetWorth)

	// Jobs
	mux.HandleFunc("GET /api/jobs", h.Jobs.ListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.Jobs.GetJob)

	mux.HandleFunc("GET /health", handlers.HealthHandler)

	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log)(
				middleware.CORS(opts.CORSOrigin)(
					middleware.Auth(opts.APIToken, "/health")(mux),
				),
			),
		),
	)
}
