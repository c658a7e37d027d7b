package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/packfinderz-cartsync/api/controllers"
	"github.com/angelmondragon/packfinderz-cartsync/api/middleware"
	"github.com/angelmondragon/packfinderz-cartsync/internal/notifications"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/logger"
	"github.com/angelmondragon/packfinderz-cartsync/pkg/redis"
)

// Dependencies are the collaborators wired into the HTTP surface. Idempotency
// and Gatherer are optional.
type Dependencies struct {
	Engine        controllers.CartEngine
	Notifications *notifications.Feed
	Idempotency   redis.IdempotencyStore
	Gatherer      prometheus.Gatherer
	Pingers       map[string]controllers.Pinger
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.Pingers))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Idempotency(deps.Idempotency, logg))

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", controllers.CartView(deps.Engine))
			r.Delete("/", controllers.CartClear(deps.Engine, logg))
			r.Post("/sync", controllers.CartSync(deps.Engine, logg))
			r.Post("/items", controllers.CartAddItem(deps.Engine, logg))
			r.Patch("/items/{lineId}", controllers.CartUpdateItem(deps.Engine, logg))
			r.Delete("/items/{lineId}", controllers.CartRemoveItem(deps.Engine, logg))
		})

		r.Route("/session", func(r chi.Router) {
			r.Post("/sign-in", controllers.SessionSignIn(deps.Engine, logg))
			r.Post("/sign-out", controllers.SessionSignOut(deps.Engine, logg))
		})

		r.Get("/notifications", controllers.ListNotifications(deps.Notifications, logg))
	})

	return r
}
