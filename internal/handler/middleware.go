package handler

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-onboarding/internal/logger"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the full HTTP handler: API routes, health, metrics and
// the middleware chain (request logging, panic recovery, CORS, timeout).
func NewRouter(h *HTTPHandler, cfg RouterConfig, log *logger.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	h.Register(r)

	var handler http.Handler = r
	if cfg.RequestTimeout > 0 {
		handler = http.TimeoutHandler(handler, cfg.RequestTimeout, `{"error":{"code":"TIMEOUT","message":"request timed out"}}`)
	}
	handler = recoverer(handler)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler = cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", HeaderActorID, HeaderSessionID, "X-Request-Id"},
		MaxAge:         300,
	}).Handler(handler)

	handler = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	})(handler)
	handler = hlog.RequestIDHandler("request_id", "X-Request-Id")(handler)
	handler = hlog.RemoteAddrHandler("remote_addr")(handler)
	handler = hlog.UserAgentHandler("user_agent")(handler)
	handler = hlog.NewHandler(log.Logger)(handler)

	return handler
}

// recoverer turns a handler panic into a 500 and logs the stack.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				hlog.FromRequest(r).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panic")
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": errorBody{
					Code:    "INTERNAL",
					Message: "internal error",
				}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
