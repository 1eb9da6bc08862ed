package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/metered/pkg/observability"
)

// Endpoint is a configured outbound webhook destination
type Endpoint struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
	// Kinds filters which notification kinds are delivered; empty means all.
	Kinds []Kind `json:"kinds,omitempty"`
}

func (e *Endpoint) wants(kind Kind) bool {
	if len(e.Kinds) == 0 {
		return true
	}
	for _, k := range e.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// WebhookNotifier delivers notifications to configured endpoints with
// HMAC-SHA256 signing and exponential-backoff retries. Delivery is
// best-effort; failures are logged and retried, never surfaced to billing.
type WebhookNotifier struct {
	endpoints []Endpoint
	client    *http.Client
	store     *DeliveryLogStore
	policy    *RetryPolicy
	logger    *observability.Logger
	stopCh    chan struct{}
}

// NewWebhookNotifier creates a webhook notifier for the given endpoints
func NewWebhookNotifier(endpoints []Endpoint, logger *observability.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		store:     NewDeliveryLogStore(1000),
		policy:    NewRetryPolicy(DefaultRetryConfig()),
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// DeliveryLogs exposes the bounded delivery log for admin inspection
func (n *WebhookNotifier) DeliveryLogs() *DeliveryLogStore {
	return n.store
}

// Notify signs and posts the notification to every matching endpoint.
// Failed deliveries are queued for the retry worker.
func (n *WebhookNotifier) Notify(ctx context.Context, tenantID int64, kind Kind, payload map[string]any) error {
	notification := NewNotification(tenantID, kind, payload)
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	for _, endpoint := range n.endpoints {
		if !endpoint.wants(kind) {
			continue
		}

		entry := &DeliveryLog{
			ID:             uuid.NewString(),
			EndpointURL:    endpoint.URL,
			NotificationID: notification.ID,
			Kind:           kind,
			TenantID:       tenantID,
			Status:         DeliveryPending,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
			payload:        body,
		}
		n.store.Add(entry)
		n.attempt(ctx, endpoint.Secret, entry)
	}
	return nil
}

func (n *WebhookNotifier) attempt(ctx context.Context, secret string, entry *DeliveryLog) {
	entry.Attempts++

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entry.EndpointURL, bytes.NewReader(entry.payload))
	if err != nil {
		n.recordFailure(entry, 0, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Metered-Event", string(entry.Kind))
	if secret != "" {
		req.Header.Set("X-Metered-Signature", Sign(entry.payload, secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.recordFailure(entry, 0, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		entry.Status = DeliverySuccess
		entry.ResponseCode = resp.StatusCode
		entry.NextRetryAt = nil
		n.store.Update(entry)
		return
	}
	n.recordFailure(entry, resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode))
}

func (n *WebhookNotifier) recordFailure(entry *DeliveryLog, code int, err error) {
	entry.LastError = err.Error()
	entry.ResponseCode = code
	if n.policy.ShouldRetry(entry.Attempts) {
		entry.Status = DeliveryPending
		next := n.policy.NextRetryTime(entry.Attempts)
		entry.NextRetryAt = &next
	} else {
		entry.Status = DeliveryFailed
		entry.NextRetryAt = nil
		n.logger.WithError(err).WithFields(map[string]interface{}{
			"endpoint": entry.EndpointURL,
			"kind":     string(entry.Kind),
		}).Error("notification delivery exhausted retries")
	}
	n.store.Update(entry)
}

// StartRetryWorker retries pending deliveries until ctx is canceled or Stop
// is called.
func (n *WebhookNotifier) StartRetryWorker(ctx context.Context, checkInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stopCh:
				return
			case <-ticker.C:
				n.processRetries(ctx)
			}
		}
	}()
}

// Stop stops the retry worker
func (n *WebhookNotifier) Stop() {
	close(n.stopCh)
}

func (n *WebhookNotifier) processRetries(ctx context.Context) {
	for _, entry := range n.store.GetPendingRetries() {
		secret := ""
		for _, endpoint := range n.endpoints {
			if endpoint.URL == entry.EndpointURL {
				secret = endpoint.Secret
				break
			}
		}
		n.attempt(ctx, secret, entry)
	}
}

// Sign generates the HMAC-SHA256 signature for a payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies a payload signature in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
