package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterConfig wires the HTTP surface together.
type RouterConfig struct {
	Terminal *TerminalHandler
	Settings *SettingsHandler
	// Hub serves /ws and Stream serves /ws/terminal/{id}; both check the
	// token themselves since browsers cannot set headers on upgrades.
	Hub    http.HandlerFunc
	Stream http.Handler
	// RequireToken guards /api.
	RequireToken func(http.Handler) http.Handler
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

// NewRouter builds the host's router.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		if cfg.RequireToken != nil {
			r.Use(cfg.RequireToken)
		}
		r.Post("/terminal/sessions", cfg.Terminal.Create)
		r.Get("/terminal/sessions", cfg.Terminal.List)
		r.Get("/terminal/sessions/{id}", cfg.Terminal.Get)
		r.Delete("/terminal/sessions/{id}", cfg.Terminal.Delete)

		r.Get("/settings", cfg.Settings.Get)
		r.Put("/settings", cfg.Settings.Put)
	})

	r.Get("/ws", cfg.Hub)
	r.Method(http.MethodGet, "/ws/terminal/{id}", cfg.Stream)

	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger logs one line per request. Websocket upgrades are logged
// when they end, which can be much later.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			level := zap.DebugLevel
			if ww.Status() >= 500 {
				level = zap.WarnLevel
			}
			if ce := logger.Check(level, "request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Bool("websocket", strings.EqualFold(r.Header.Get("Upgrade"), "websocket")),
				)
			}
		})
	}
}
