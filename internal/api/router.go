package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterOptions struct {
	RateLimit float64
	RateBurst int
}

func NewRouter(h *Handler, logger zerolog.Logger, opts RouterOptions) http.Handler {
	r := mux.NewRouter()

	r.Use(RequestID)
	r.Use(RequestLogging(logger))
	r.Use(Recover(logger))

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware())
	v1.HandleFunc("/transfers", h.CreateTransfer).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id:[0-9]+}", h.GetTransfer).Methods(http.MethodGet)
	v1.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id:[0-9]+}/entries", h.GetAccountEntries).Methods(http.MethodGet)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	return CORS()(r)
}
