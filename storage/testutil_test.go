package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddClient(t *testing.T, store *Store, fingerprint, alias string) {
	t.Helper()

	err := store.AddClient(Client{
		Fingerprint:    fingerprint,
		Alias:          alias,
		DeviceModel:    "model-" + fingerprint,
		Status:         ClientStatusPending,
		AddedTimestamp: nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("add client %q: %v", fingerprint, err)
	}
}
