package trust

import (
	"errors"
	"strings"
	"sync"
	"time"

	"lanpair/storage"
)

// ClientSummary is one remote peer that has attempted to connect to the
// local server, with its approval status.
type ClientSummary struct {
	Fingerprint string
	Alias       string
	DeviceModel string
	Status      string
}

// ClientRegistry tracks every client that has ever contacted the local
// server and gates inbound connections by approval status.
type ClientRegistry struct {
	db *storage.Store

	// Serializes the lookup-then-insert in RegisterAttempt so concurrent
	// first contacts from the same fingerprint produce one PENDING row.
	mu sync.Mutex
}

// NewClientRegistry wraps a storage handle as a client registry.
func NewClientRegistry(db *storage.Store) *ClientRegistry {
	return &ClientRegistry{db: db}
}

// Status returns the current approval status for a fingerprint, or
// storage.ErrNotFound for a never-seen client.
func (r *ClientRegistry) Status(fingerprint string) (string, error) {
	client, err := r.db.GetClient(fingerprint)
	if err != nil {
		return "", err
	}
	return client.Status, nil
}

// RegisterAttempt records an inbound connection attempt. A never-seen
// fingerprint is inserted as PENDING; a known one has its alias and last
// seen timestamp refreshed. Returns the client's current status.
func (r *ClientRegistry) RegisterAttempt(fingerprint, alias, deviceModel string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(alias) == "" {
		alias = "Unknown Device"
	}
	now := time.Now().UnixMilli()

	client, err := r.db.GetClient(fingerprint)
	if err == nil {
		if err := r.db.TouchClient(fingerprint, alias, deviceModel, now); err != nil {
			return "", err
		}
		return client.Status, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	if err := r.db.AddClient(storage.Client{
		Fingerprint:       fingerprint,
		Alias:             alias,
		DeviceModel:       deviceModel,
		Status:            storage.ClientStatusPending,
		AddedTimestamp:    now,
		LastSeenTimestamp: &now,
	}); err != nil {
		return "", err
	}

	_ = r.db.LogPairingEvent(storage.PairingEvent{
		EventType:   storage.EventClientRegistered,
		Fingerprint: &fingerprint,
		Severity:    storage.SeverityInfo,
	})

	return storage.ClientStatusPending, nil
}

// List returns every registered client.
func (r *ClientRegistry) List() ([]ClientSummary, error) {
	clients, err := r.db.ListClients()
	if err != nil {
		return nil, err
	}

	out := make([]ClientSummary, 0, len(clients))
	for _, client := range clients {
		out = append(out, ClientSummary{
			Fingerprint: client.Fingerprint,
			Alias:       client.Alias,
			DeviceModel: client.DeviceModel,
			Status:      client.Status,
		})
	}
	return out, nil
}

// UpdateStatus sets the approval status for a known client. Any transition
// between pending, approved, and blocked is allowed, including re-approval
// of a blocked client.
func (r *ClientRegistry) UpdateStatus(fingerprint, status string) error {
	return r.db.UpdateClientStatus(fingerprint, status, 0)
}

// Remove deletes a client entirely. Removal is terminal: re-registration
// requires a fresh inbound connection attempt.
func (r *ClientRegistry) Remove(fingerprint string) error {
	return r.db.RemoveClient(fingerprint)
}
