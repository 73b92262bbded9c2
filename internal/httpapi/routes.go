package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/slidesync/slidesync/internal/registry"
	"github.com/slidesync/slidesync/internal/ws"
)

// SetupRoutes builds the router with the registry injected. The HTTP surface
// is deliberately small: the sync protocol lives entirely on /ws, and the
// rest only serves health checks and optional static client assets.
func SetupRoutes(reg *registry.Registry, staticDir string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(reg, log))
	if staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	}
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
