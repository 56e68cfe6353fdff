package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/asheshgoplani/termdeck/internal/notify"
	"github.com/asheshgoplani/termdeck/internal/statedb"
)

type notificationPref struct {
	Enabled *bool `json:"enabled"`
}

type pushConfigResponse struct {
	Enabled           bool   `json:"enabled"`
	VAPIDPublicKey    string `json:"vapidPublicKey,omitempty"`
	SubscriptionCount int    `json:"subscriptionCount,omitempty"`
}

type pushResultResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type pushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime any                  `json:"expirationTime,omitempty"`
	Keys           pushSubscriptionKeys `json:"keys"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	switch {
	case s.Endpoint == "":
		return fmt.Errorf("endpoint is required")
	case s.Keys.P256DH == "":
		return fmt.Errorf("keys.p256dh is required")
	case s.Keys.Auth == "":
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "state store is not configured")
		return false
	}
	return true
}

func (s *Server) handleGetNotificationPref(w http.ResponseWriter, _ *http.Request) {
	if !s.requireStore(w) {
		return
	}
	enabled := s.store.BoolPreference(notify.PrefNotificationsEnabled, s.cfg.NotificationsDefault)
	writeJSON(w, http.StatusOK, notificationPref{Enabled: &enabled})
}

func (s *Server) handlePutNotificationPref(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req notificationPref
	if err := decodeJSON(w, r, &req); err != nil || req.Enabled == nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "enabled is required")
		return
	}
	if err := s.store.SetBoolPreference(notify.PrefNotificationsEnabled, *req.Enabled); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save preference")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) pushEnabled() bool {
	return s.store != nil && s.cfg.VAPIDPublicKey != ""
}

func (s *Server) handlePushConfig(w http.ResponseWriter, _ *http.Request) {
	resp := pushConfigResponse{Enabled: s.pushEnabled()}
	if resp.Enabled {
		resp.VAPIDPublicKey = s.cfg.VAPIDPublicKey
		if subs, err := s.store.ListPushSubscriptions(); err == nil {
			resp.SubscriptionCount = len(subs)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.pushEnabled() {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return
	}

	var sub pushSubscription
	if err := decodeJSON(w, r, &sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid subscription payload")
		return
	}
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	err := s.store.UpsertPushSubscription(statedb.PushSubscriptionRow{
		Endpoint:  sub.Endpoint,
		P256DH:    sub.Keys.P256DH,
		Auth:      sub.Keys.Auth,
		CreatedAt: time.Now(),
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription saved"})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.pushEnabled() {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return
	}

	var req pushUnsubscribeRequest
	_ = decodeJSON(w, r, &req)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}
	if err := s.store.RemovePushSubscription(req.Endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove push subscription")
		return
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: "subscription removed"})
}
