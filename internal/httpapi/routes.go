package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tower-duel-backend/internal/store"
)

type Deps struct {
	Matches Matches
	Store   store.Store
	WS      http.Handler
	Log     *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Method(http.MethodGet, "/ws", d.WS)
	r.Route("/matches", func(r chi.Router) {
		r.Post("/", CreateMatch(d.Matches, d.Log))
		r.Get("/{matchID}", GetMatch(d.Store))
		r.Get("/{matchID}/rounds/{round}/replay", GetReplay(d.Store))
	})
	return r
}
