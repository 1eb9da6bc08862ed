package notifications

import (
	"sync"
	"time"
)

// DeliveryStatus represents the status of a webhook delivery attempt
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryLog records one notification delivery and its retry state
type DeliveryLog struct {
	ID             string         `json:"id"`
	EndpointURL    string         `json:"endpoint_url"`
	NotificationID string         `json:"notification_id"`
	Kind           Kind           `json:"kind"`
	TenantID       int64          `json:"tenant_id"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error,omitempty"`
	ResponseCode   int            `json:"response_code,omitempty"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	payload []byte
}

// DeliveryLogStore is a bounded in-memory log of delivery attempts
type DeliveryLogStore struct {
	mu      sync.RWMutex
	logs    map[string]*DeliveryLog
	order   []string
	maxLogs int
}

// NewDeliveryLogStore creates a bounded delivery log store
func NewDeliveryLogStore(maxLogs int) *DeliveryLogStore {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &DeliveryLogStore{
		logs:    make(map[string]*DeliveryLog),
		maxLogs: maxLogs,
	}
}

// Add inserts a delivery log, evicting the oldest entry when full
func (s *DeliveryLogStore) Add(entry *DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.maxLogs {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.logs, oldest)
	}
	s.logs[entry.ID] = entry
	s.order = append(s.order, entry.ID)
}

// Get retrieves a delivery log by ID
func (s *DeliveryLogStore) Get(id string) (*DeliveryLog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.logs[id]
	return entry, ok
}

// Update replaces a delivery log entry
func (s *DeliveryLogStore) Update(entry *DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.UpdatedAt = time.Now()
	s.logs[entry.ID] = entry
}

// GetPendingRetries returns deliveries whose retry time has passed
func (s *DeliveryLogStore) GetPendingRetries() []*DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var pending []*DeliveryLog
	for _, entry := range s.logs {
		if entry.Status == DeliveryPending && entry.NextRetryAt != nil && entry.NextRetryAt.Before(now) {
			pending = append(pending, entry)
		}
	}
	return pending
}

// ForTenant returns recent deliveries for a tenant, newest last
func (s *DeliveryLogStore) ForTenant(tenantID int64, limit int) []*DeliveryLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DeliveryLog
	for _, id := range s.order {
		entry := s.logs[id]
		if entry.TenantID == tenantID {
			out = append(out, entry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
