package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/voice-message-api/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Messages *service.SubmissionService

	// Configuration
	AudioURLTTL  time.Duration  // default lifetime of presigned audio URLs
	MaxBodyBytes int64          // cap on submission request bodies
	Ready        ReadinessCheck // dependency probe behind /readyz (optional)
	Logger       *slog.Logger   // Logger for server-side request errors (optional)
}

// NewRouter creates and configures a new HTTP router for the JSON API.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	registerMessageRoutes(mux, &MessageHandlers{
		Svc:          services.Messages,
		DefaultTTL:   services.AudioURLTTL,
		MaxBodyBytes: services.MaxBodyBytes,
		Logger:       services.Logger,
	})
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readyHandler(services.Ready, services.Logger))
	mux.HandleFunc("/", notFound)

	return mux
}

func registerMessageRoutes(mux *http.ServeMux, h *MessageHandlers) {
	mux.HandleFunc("POST /api/v1/messages/text-to-speech", h.Submit)
	mux.HandleFunc("GET /api/v1/messages", h.List)
	mux.HandleFunc("GET /api/v1/messages/{id}", h.Get)
	mux.HandleFunc("GET /api/v1/messages/{id}/audio-url", h.AudioURL)
	mux.HandleFunc("GET /api/v1/messages/{id}/audio", h.Audio)
	mux.HandleFunc("HEAD /api/v1/messages/{id}/audio", h.Audio)
}

// notFound answers unmatched routes with the API's JSON error shape.
func notFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, ErrorParams{
		Code:    http.StatusNotFound,
		ErrCode: "not_found",
		Err:     errors.New("no route for " + r.Method + " " + r.URL.Path),
	})
}
