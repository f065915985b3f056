// Package display holds the last delivered event batch per instance and
// renders it for clients.
package display

import (
	"slices"
	"sync"
	"time"

	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
)

// Batch is one delivered event list.
type Batch struct {
	Events      []model.Event `json:"events"`
	DeliveredAt time.Time     `json:"delivered_at"`
}

// Board is the in-memory presentation sink. An instance is "loading"
// until its first delivery.
type Board struct {
	mu      sync.RWMutex
	batches map[string]Batch
	now     func() time.Time
}

func NewBoard() *Board {
	return &Board{
		batches: make(map[string]Batch),
		now:     time.Now,
	}
}

// Deliver replaces the instance's batch. An empty list is a valid batch.
func (b *Board) Deliver(instanceID string, events []model.Event) {
	batch := Batch{Events: slices.Clone(events), DeliveredAt: b.now()}
	if batch.Events == nil {
		batch.Events = []model.Event{}
	}

	b.mu.Lock()
	b.batches[instanceID] = batch
	b.mu.Unlock()

	appLog.Debug("batch delivered", "instance", instanceID, "events", len(batch.Events))
}

// Get returns the last batch and false while the instance is still loading.
func (b *Board) Get(instanceID string) (Batch, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	batch, ok := b.batches[instanceID]
	return batch, ok
}
