package storage

import (
	"errors"
	"testing"
)

func TestClientLifecycle(t *testing.T) {
	store := newTestStore(t)

	mustAddClient(t, store, "ab12", "Phone")

	client, err := store.GetClient("ab12")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client.Status != ClientStatusPending {
		t.Fatalf("expected initial status %q, got %q", ClientStatusPending, client.Status)
	}

	if err := store.UpdateClientStatus("ab12", ClientStatusBlocked, nowUnixMilli()); err != nil {
		t.Fatalf("UpdateClientStatus to blocked failed: %v", err)
	}
	client, err = store.GetClient("ab12")
	if err != nil {
		t.Fatalf("GetClient after block failed: %v", err)
	}
	if client.Status != ClientStatusBlocked {
		t.Fatalf("expected status %q, got %q", ClientStatusBlocked, client.Status)
	}

	// Re-approval after blocking is allowed.
	if err := store.UpdateClientStatus("ab12", ClientStatusApproved, 0); err != nil {
		t.Fatalf("UpdateClientStatus to approved failed: %v", err)
	}

	if err := store.RemoveClient("ab12"); err != nil {
		t.Fatalf("RemoveClient failed: %v", err)
	}
	if _, err := store.GetClient("ab12"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
}

func TestUpdateClientStatusUnknownFingerprint(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateClientStatus("missing", ClientStatusApproved, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.RemoveClient("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateClientStatusRejectsInvalidStatus(t *testing.T) {
	store := newTestStore(t)
	mustAddClient(t, store, "ab12", "Phone")

	if err := store.UpdateClientStatus("ab12", "online", 0); err == nil {
		t.Fatalf("expected error for invalid status")
	}
}

func TestTouchClientRefreshesAliasAndLastSeen(t *testing.T) {
	store := newTestStore(t)
	mustAddClient(t, store, "ab12", "Phone")

	if err := store.TouchClient("ab12", "Renamed Phone", "tablet", 1234); err != nil {
		t.Fatalf("TouchClient failed: %v", err)
	}

	client, err := store.GetClient("ab12")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client.Alias != "Renamed Phone" {
		t.Fatalf("expected refreshed alias, got %q", client.Alias)
	}
	if client.DeviceModel != "tablet" {
		t.Fatalf("expected refreshed device model, got %q", client.DeviceModel)
	}
	if client.LastSeenTimestamp == nil || *client.LastSeenTimestamp != 1234 {
		t.Fatalf("expected last seen 1234, got %v", client.LastSeenTimestamp)
	}

	if err := store.TouchClient("missing", "X", "", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListClientsSortedByAlias(t *testing.T) {
	store := newTestStore(t)
	mustAddClient(t, store, "cc33", "Zulu")
	mustAddClient(t, store, "aa11", "Alpha")

	clients, err := store.ListClients()
	if err != nil {
		t.Fatalf("ListClients failed: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
	if clients[0].Alias != "Alpha" || clients[1].Alias != "Zulu" {
		t.Fatalf("expected alias order Alpha, Zulu; got %q, %q", clients[0].Alias, clients[1].Alias)
	}
}
