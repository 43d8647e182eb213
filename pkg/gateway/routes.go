package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the http.Handler with all routes and middleware configured
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.healthHandler)
	r.Get("/v1/status", g.statusHandler)

	r.Route("/v1/pubsub", func(r chi.Router) {
		r.Get("/ws", g.pubsubWebsocketHandler)
		r.Get("/topics", g.pubsubTopicsHandler)
		// Publish is the only endpoint that benefits from a deadline;
		// the WS route must stay open indefinitely.
		r.With(middleware.Timeout(30*time.Second)).Post("/publish", g.pubsubPublishHandler)
	})

	r.Route("/v1/network", func(r chi.Router) {
		r.Get("/peers", g.networkPeersHandler)
		r.Get("/topics/{topic}/peers", g.topicPeersHandler)
	})

	return r
}
