// Package zoneserver serves family zones over HTTP: record reads and
// writes, change streams and push registration.
package zoneserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/dukerupert/screenpoints/internal/middleware"
	"github.com/dukerupert/screenpoints/internal/push"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	ws "github.com/dukerupert/screenpoints/internal/websocket"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxQueryLimit    = 1000
	maxBodyBytes     = 1 << 20
	defaultRateLimit = 600
)

type Config struct {
	// Token is the shared bearer token devices present. Empty disables auth.
	Token string
	// VAPIDPublicKey is handed to devices registering for push.
	VAPIDPublicKey string
	// RequestsPerMinute limits each device, keyed by the X-Device-ID header
	// and falling back to the client address when the header is absent.
	RequestsPerMinute int
}

type Server struct {
	store      *recordstore.SQLStore
	subs       *push.SubscriptionStore
	hub        *ws.Hub
	dispatcher *push.Dispatcher
	limiter    *middleware.RateLimiter
	cfg        Config
	logger     *slog.Logger
}

// New creates a zone server. A nil sender disables push notifications.
func New(store *recordstore.SQLStore, subs *push.SubscriptionStore, sender push.Sender, cfg Config, logger *slog.Logger) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRateLimit
	}
	s := &Server{
		store:   store,
		subs:    subs,
		hub:     ws.NewHub(logger),
		limiter: middleware.NewRateLimiter(cfg.RequestsPerMinute, time.Minute),
		cfg:     cfg,
		logger:  logger.With("component", "zoneserver"),
	}
	if sender != nil {
		s.dispatcher = push.NewDispatcher(store.Broker(), subs, sender, logger)
	}
	return s
}

// Start runs the change fan-out and background maintenance until ctx ends.
func (s *Server) Start(ctx context.Context) {
	go s.hub.Run(ctx, s.store.Broker())
	go s.limiter.RunCleanup(ctx, 5*time.Minute)
	if s.dispatcher != nil {
		s.dispatcher.Start(ctx)
	}
}

// Stop waits for the push dispatcher to finish.
func (s *Server) Stop() {
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(s.logger.With("component", "http"), recordstore.DeviceHeader))

	r.Get("/health", s.healthHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(s.cfg.Token))
		r.Use(middleware.RateLimit(s.limiter, middleware.DeviceKey(recordstore.DeviceHeader)))

		r.Get("/push/vapid-key", s.vapidKey)

		r.Route("/zones/{zone}", func(r chi.Router) {
			r.Put("/", s.ensureZone)
			r.Post("/records", s.createRecord)
			r.Get("/records", s.queryRecords)
			r.Get("/records/{type}/{id}", s.readRecord)
			r.Put("/records/{type}/{id}", s.updateRecord)
			r.Delete("/records/{type}/{id}", s.deleteRecord)
			r.Get("/subscribe", ws.HandleSubscribe(s.hub, func(r *http.Request) string {
				return chi.URLParam(r, "zone")
			}))
			r.Post("/push-subscriptions", s.registerPush)
			r.Delete("/push-subscriptions", s.unregisterPush)
		})
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps a record store failure onto a response.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, recordstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, recordstore.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("record store", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeRecord reads a record body and binds it to the zone in the path.
func decodeRecord(w http.ResponseWriter, r *http.Request) (recordstore.Record, error) {
	var rec recordstore.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		return rec, errors.New("invalid JSON")
	}
	zone := chi.URLParam(r, "zone")
	if rec.ZoneID == "" {
		rec.ZoneID = zone
	}
	if rec.ZoneID != zone {
		return rec, errors.New("record zone does not match path")
	}
	return rec, nil
}

func (s *Server) ensureZone(w http.ResponseWriter, r *http.Request) {
	if err := s.store.EnsureZone(r.Context(), chi.URLParam(r, "zone")); err != nil {
		s.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := decodeRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := s.store.Create(r.Context(), rec)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) readRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Read(r.Context(), chi.URLParam(r, "zone"), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) updateRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := decodeRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec.Type = chi.URLParam(r, "type")
	rec.ID = chi.URLParam(r, "id")

	stored, err := s.store.Update(r.Context(), rec)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	err := s.store.Delete(r.Context(), chi.URLParam(r, "zone"), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queryRecords(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := recordstore.Query{
		Type:    params.Get("type"),
		OwnerID: params.Get("owner"),
		Limit:   maxQueryLimit,
	}
	if v := params.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		q.AfterSeq = after
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = min(limit, maxQueryLimit)
	}

	records, err := s.store.Query(r.Context(), chi.URLParam(r, "zone"), q)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if records == nil {
		records = []recordstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
