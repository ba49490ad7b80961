package recorder

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/metrics"
)

// SecretHeader carries the shared secret that callers must present.
const SecretHeader = "x-shared-secret"

const maxRequestBody = 64 << 10

// Handler serves the finalize-room endpoint.
type Handler struct {
	store  Store
	secret string
	now    func() time.Time
}

func NewHandler(store Store, secret string) *Handler {
	return &Handler{store: store, secret: secret, now: time.Now}
}

// NewRouter mounts the endpoint, a health check and Prometheus metrics.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", h.Health)
	r.Post("/api/finalize-room", h.FinalizeRoom)
	return r
}

type finalizeResponse struct {
	OK      bool   `json:"ok"`
	Created bool   `json:"created,omitempty"`
	Updated bool   `json:"updated,omitempty"`
	RoomID  string `json:"roomId"`
}

// FinalizeRoom stores a finalized room: 201 when created, 200 when an
// existing room was updated.
func (h *Handler) FinalizeRoom(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(SecretHeader)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		metrics.PersistRequests.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		metrics.PersistRequests.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "body too large or unreadable")
		return
	}

	room, err := Decode(body, h.now())
	if err != nil {
		metrics.PersistRequests.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, detail(err))
		return
	}

	created, err := h.store.Upsert(r.Context(), room)
	if err != nil {
		metrics.PersistRequests.WithLabelValues("error").Inc()
		log.Error().Str("module", "recorder").Str("room", room.ID).Err(err).Msg("persist room failed")
		writeError(w, http.StatusInternalServerError, "failed to persist room")
		return
	}

	if created {
		metrics.PersistRequests.WithLabelValues("created").Inc()
		log.Info().Str("module", "recorder").Str("room", room.ID).Int("participants", len(room.Participants)).Msg("room created")
		writeJSON(w, http.StatusCreated, finalizeResponse{OK: true, Created: true, RoomID: room.ID})
		return
	}
	metrics.PersistRequests.WithLabelValues("updated").Inc()
	log.Info().Str("module", "recorder").Str("room", room.ID).Msg("room updated")
	writeJSON(w, http.StatusOK, finalizeResponse{OK: true, Updated: true, RoomID: room.ID})
}

// Health pings the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	pinger, ok := h.store.(interface{ Ping(context.Context) error })
	if ok {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// detail strips the ErrInvalid prefix from a validation error.
func detail(err error) string {
	return strings.TrimPrefix(err.Error(), ErrInvalid.Error()+": ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			log.Info().Str("module", "recorder").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request completed")
		}()
		next.ServeHTTP(ww, r)
	})
}
