package zoneserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dukerupert/screenpoints/internal/push"
)

type pushRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
	DeviceID string `json:"deviceID"`
}

func (s *Server) vapidKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.VAPIDPublicKey == "" {
		writeError(w, http.StatusNotFound, "push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.cfg.VAPIDPublicKey})
}

// registerPush handles POST /zones/{zone}/push-subscriptions
func (s *Server) registerPush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, auth and deviceID are required")
		return
	}

	sub := push.Subscription{
		Endpoint:  req.Endpoint,
		ZoneID:    chi.URLParam(r, "zone"),
		DeviceID:  req.DeviceID,
		P256dhKey: req.P256dh,
		AuthKey:   req.Auth,
	}
	if err := s.subs.Save(r.Context(), sub); err != nil {
		s.logger.Error("save push subscription", "zone", sub.ZoneID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	s.logger.Info("push subscription registered", "zone", sub.ZoneID, "device_id", sub.DeviceID)
	w.WriteHeader(http.StatusCreated)
}

// unregisterPush handles DELETE /zones/{zone}/push-subscriptions?endpoint=
func (s *Server) unregisterPush(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if err := s.subs.DeleteByEndpoint(r.Context(), endpoint); err != nil {
		s.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
