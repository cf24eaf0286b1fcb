package connector

import (
	"context"
	"sync"
	"time"

	"github.com/zylhub/rasa/pkg/stores"
)

// DeliveryStore remembers which deliveries were handled. BeginDelivery
// reports whether the caller should process the delivery.
type DeliveryStore interface {
	BeginDelivery(ctx context.Context, channel, deliveryID, sender string) (*stores.Delivery, bool, error)
	CompleteDelivery(ctx context.Context, channel, deliveryID string, errMsg *string) error
}

var (
	_ DeliveryStore = (*stores.SQLiteStore)(nil)
	_ DeliveryStore = (*MemoryDeliveryStore)(nil)
)

type deliveryKey struct {
	channel string
	id      string
}

// MemoryDeliveryStore keeps deliveries in process memory, with the same
// semantics as the SQLite store. Entries older than the retention window
// are dropped on access.
type MemoryDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[deliveryKey]*stores.Delivery
	retention  time.Duration
	now        func() time.Time
}

// NewMemoryDeliveryStore creates an in-memory store. A zero retention keeps
// entries forever.
func NewMemoryDeliveryStore(retention time.Duration) *MemoryDeliveryStore {
	return &MemoryDeliveryStore{
		deliveries: make(map[deliveryKey]*stores.Delivery),
		retention:  retention,
		now:        time.Now,
	}
}

// BeginDelivery implements DeliveryStore.
func (m *MemoryDeliveryStore) BeginDelivery(_ context.Context, channel, deliveryID, sender string) (*stores.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	m.pruneLocked(now)

	key := deliveryKey{channel, deliveryID}
	d, ok := m.deliveries[key]
	if !ok {
		d = &stores.Delivery{
			Channel:    channel,
			DeliveryID: deliveryID,
			Sender:     sender,
			Status:     stores.DeliveryStatusReceived,
			Attempts:   1,
			ReceivedAt: now,
			UpdatedAt:  now,
		}
		m.deliveries[key] = d
		cp := *d
		return &cp, true, nil
	}

	d.Attempts++
	d.UpdatedAt = now
	process := d.Status == stores.DeliveryStatusFailed
	if process {
		d.Status = stores.DeliveryStatusReceived
	}
	cp := *d
	return &cp, process, nil
}

// CompleteDelivery implements DeliveryStore.
func (m *MemoryDeliveryStore) CompleteDelivery(_ context.Context, channel, deliveryID string, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[deliveryKey{channel, deliveryID}]
	if !ok {
		return stores.ErrNotFound
	}
	d.Status = stores.DeliveryStatusProcessed
	d.LastError = nil
	if errMsg != nil {
		d.Status = stores.DeliveryStatusFailed
		msg := *errMsg
		d.LastError = &msg
	}
	d.UpdatedAt = m.now().UTC()
	return nil
}

// Len returns the number of remembered deliveries.
func (m *MemoryDeliveryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deliveries)
}

func (m *MemoryDeliveryStore) pruneLocked(now time.Time) {
	if m.retention <= 0 {
		return
	}
	cutoff := now.Add(-m.retention)
	for k, d := range m.deliveries {
		if d.UpdatedAt.Before(cutoff) {
			delete(m.deliveries, k)
		}
	}
}
