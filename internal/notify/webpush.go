package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/asheshgoplani/termdeck/internal/statedb"
)

const (
	metaVAPIDPublic  = "vapid_public_key"
	metaVAPIDPrivate = "vapid_private_key"
)

// SubscriptionStore is the statedb surface the web-push sink needs.
type SubscriptionStore interface {
	ListPushSubscriptions() ([]statedb.PushSubscriptionRow, error)
	RemovePushSubscription(endpoint string) error
}

// MetaStore persists the VAPID keypair.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

// EnsureVAPIDKeys returns the stored VAPID keypair, generating and saving
// one on first use.
func EnsureVAPIDKeys(store MetaStore) (publicKey, privateKey string, generated bool, err error) {
	pub, pubErr := store.GetMeta(metaVAPIDPublic)
	priv, privErr := store.GetMeta(metaVAPIDPrivate)
	if pubErr == nil && privErr == nil && pub != "" && priv != "" {
		return pub, priv, false, nil
	}
	for _, e := range []error{pubErr, privErr} {
		if e != nil && !errors.Is(e, statedb.ErrNotFound) {
			return "", "", false, fmt.Errorf("load vapid keys: %w", e)
		}
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	publicKey = strings.TrimSpace(publicKey)
	privateKey = strings.TrimSpace(privateKey)
	if err := store.SetMeta(metaVAPIDPublic, publicKey); err != nil {
		return "", "", false, fmt.Errorf("save vapid public key: %w", err)
	}
	if err := store.SetMeta(metaVAPIDPrivate, privateKey); err != nil {
		return "", "", false, fmt.Errorf("save vapid private key: %w", err)
	}
	return publicKey, privateKey, true, nil
}

type pushSender interface {
	Send(payload []byte, sub statedb.PushSubscriptionRow) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) Send(payload []byte, sub statedb.PushSubscriptionRow) (int, error) {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

type pushMessage struct {
	Type      string `json:"type"`
	Tag       string `json:"tag"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WebPushSink delivers notifications to subscribed browsers. The service
// worker closes the notification with the matching tag on "dismiss".
type WebPushSink struct {
	store  SubscriptionStore
	sender pushSender
	pub    string
}

// NewWebPushSink creates a sink signing with the given VAPID keypair.
func NewWebPushSink(store SubscriptionStore, subject, publicKey, privateKey string) *WebPushSink {
	return &WebPushSink{
		store:  store,
		sender: &vapidPushSender{subject: subject, publicKey: publicKey, privateKey: privateKey},
		pub:    publicKey,
	}
}

func (w *WebPushSink) Name() string { return "webpush" }

// PublicKey is handed to browsers subscribing.
func (w *WebPushSink) PublicKey() string { return w.pub }

func (w *WebPushSink) Show(ctx context.Context, n Notification) error {
	return w.broadcast(ctx, pushMessage{
		Type:      "show",
		Tag:       pushTag(n.SessionID),
		Title:     n.Title,
		Body:      n.Body,
		SessionID: n.SessionID,
		TaskID:    n.TaskID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (w *WebPushSink) Dismiss(ctx context.Context, sessionID string) error {
	return w.broadcast(ctx, pushMessage{
		Type:      "dismiss",
		Tag:       pushTag(sessionID),
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func pushTag(sessionID string) string {
	return "termdeck-" + sessionID
}

// broadcast sends msg to every subscription, pruning endpoints the push
// service reports gone. It returns the last send error.
func (w *WebPushSink) broadcast(ctx context.Context, msg pushMessage) error {
	subs, err := w.store.ListPushSubscriptions()
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal push message: %w", err)
	}

	var lastErr error
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := w.sender.Send(payload, sub)
		if err == nil {
			continue
		}
		notifyLog.Warn("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", status),
			slog.String("session_id", msg.SessionID),
			slog.String("error", err.Error()))
		if status == http.StatusGone || status == http.StatusNotFound {
			_ = w.store.RemovePushSubscription(sub.Endpoint)
			continue
		}
		lastErr = err
	}
	return lastErr
}

func endpointForLog(endpoint string) string {
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}
