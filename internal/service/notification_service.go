package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/config"
	"github.com/spec-kit/journal-tracker/internal/events"
	"github.com/spec-kit/journal-tracker/internal/session"
)

const webhookTimeout = 5 * time.Second

// EventSource is where session events and sign-in signals come from.
type EventSource interface {
	Subscribe(handler events.EventHandler, types ...events.EventType) events.Unsubscribe
	OnUnauthenticated(fn session.UnauthenticatedFunc) events.Unsubscribe
}

// NotificationService reports session lifecycle changes.
type NotificationService struct {
	source EventSource
	logger *zap.Logger
	cfg    config.NotificationConfig
	client *http.Client
	unsubs []events.Unsubscribe

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// WebhookPayload is the JSON body posted to the notification webhook.
type WebhookPayload struct {
	Type      string    `json:"type"`
	EventID   string    `json:"eventId,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	User      string    `json:"user,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNotificationService creates the service.
func NewNotificationService(source EventSource, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		source: source,
		logger: logger,
		cfg:    cfg,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// WithHTTPClient sets the client used for webhook delivery.
func (n *NotificationService) WithHTTPClient(client *http.Client) *NotificationService {
	if client != nil {
		n.client = client
	}
	return n
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.source == nil {
		return
	}
	n.unsubs = append(n.unsubs,
		n.source.Subscribe(n.handleCredentialSet, events.EventCredentialSet),
		n.source.Subscribe(n.handleCredentialRefreshed, events.EventCredentialRefreshed),
		n.source.Subscribe(n.handleCredentialCleared, events.EventCredentialCleared),
		n.source.Subscribe(n.handleUserUpdated, events.EventUserUpdated),
		n.source.OnUnauthenticated(n.handleUnauthenticated),
	)
}

// Close removes every subscription made by RegisterHandlers and waits for
// pending webhook deliveries.
func (n *NotificationService) Close() {
	for _, unsub := range n.unsubs {
		unsub()
	}
	n.unsubs = nil

	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *NotificationService) handleCredentialSet(event events.SyncEvent) {
	n.logger.Info("CredentialSet", eventFields(event)...)
	n.sendWebhookNotification(eventPayload(event))
}

func (n *NotificationService) handleCredentialRefreshed(event events.SyncEvent) {
	n.logger.Info("CredentialRefreshed", eventFields(event)...)
}

func (n *NotificationService) handleCredentialCleared(event events.SyncEvent) {
	n.logger.Info("CredentialCleared", eventFields(event)...)
	n.sendWebhookNotification(eventPayload(event))
}

func (n *NotificationService) handleUserUpdated(event events.SyncEvent) {
	n.logger.Info("UserUpdated", eventFields(event)...)
}

func (n *NotificationService) handleUnauthenticated(err error) {
	n.logger.Warn("SignInRequired", zap.Error(err))
	payload := WebhookPayload{Type: "unauthenticated", Timestamp: time.Now()}
	if err != nil {
		payload.Reason = err.Error()
	}
	n.sendWebhookNotification(payload)
}

// sendWebhookNotification posts payload in the background. Handlers run on the
// event drainer and the delivery may need a credential refresh, so it never
// blocks the caller.
func (n *NotificationService) sendWebhookNotification(payload WebhookPayload) {
	url := strings.TrimSpace(n.cfg.WebhookURL)
	if url == "" {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		if err := n.post(url, payload); err != nil {
			n.logger.Warn("webhook delivery failed", zap.String("event_type", payload.Type), zap.Error(err))
			return
		}
		n.logger.Debug("webhook delivered", zap.String("url", url), zap.String("event_type", payload.Type))
	}()
}

func (n *NotificationService) post(url string, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

func eventPayload(event events.SyncEvent) WebhookPayload {
	payload := WebhookPayload{
		Type:      string(event.Type),
		EventID:   event.ID,
		Origin:    string(event.OriginTab),
		Timestamp: event.Timestamp,
	}
	if event.Data != nil && event.Data.User != nil {
		payload.User = event.Data.User.Username
	}
	return payload
}

func eventFields(event events.SyncEvent) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("origin", string(event.OriginTab)),
	}
	if event.Data != nil {
		fields = append(fields, zap.Time("expires_at", event.Data.ExpiresAt))
		if event.Data.User != nil {
			fields = append(fields, zap.String("user", event.Data.User.Username))
		}
	}
	return fields
}
