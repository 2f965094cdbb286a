package storage

import (
	"errors"
	"reflect"
	"testing"
)

func TestAddTrustedServerPreservesHostOrderAndDeduplicates(t *testing.T) {
	store := newTestStore(t)

	hosts := []string{"192.168.1.5:7863", "10.0.0.2:7863", "192.168.1.5:7863", " ", "server.local:7863"}
	if err := store.AddTrustedServer("fp-1", hosts); err != nil {
		t.Fatalf("AddTrustedServer failed: %v", err)
	}

	server, err := store.GetTrustedServer("fp-1")
	if err != nil {
		t.Fatalf("GetTrustedServer failed: %v", err)
	}

	want := []string{"192.168.1.5:7863", "10.0.0.2:7863", "server.local:7863"}
	if !reflect.DeepEqual(server.Hosts, want) {
		t.Fatalf("expected hosts %v, got %v", want, server.Hosts)
	}
}

func TestAddTrustedServerRepairReplacesHosts(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddTrustedServer("fp-1", []string{"old.local:7863"}); err != nil {
		t.Fatalf("first AddTrustedServer failed: %v", err)
	}
	if err := store.AddTrustedServer("fp-1", []string{"new.local:7863"}); err != nil {
		t.Fatalf("second AddTrustedServer failed: %v", err)
	}

	server, err := store.GetTrustedServer("fp-1")
	if err != nil {
		t.Fatalf("GetTrustedServer failed: %v", err)
	}
	if !reflect.DeepEqual(server.Hosts, []string{"new.local:7863"}) {
		t.Fatalf("expected re-pairing to replace hosts, got %v", server.Hosts)
	}
}

func TestReplaceTrustedServerHostsRequiresExistingEntry(t *testing.T) {
	store := newTestStore(t)

	if err := store.ReplaceTrustedServerHosts("missing", []string{"a:1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.AddTrustedServer("fp-1", []string{"a:1"}); err != nil {
		t.Fatalf("AddTrustedServer failed: %v", err)
	}
	if err := store.ReplaceTrustedServerHosts("fp-1", []string{"b:2", "c:3"}); err != nil {
		t.Fatalf("ReplaceTrustedServerHosts failed: %v", err)
	}

	server, err := store.GetTrustedServer("fp-1")
	if err != nil {
		t.Fatalf("GetTrustedServer failed: %v", err)
	}
	if !reflect.DeepEqual(server.Hosts, []string{"b:2", "c:3"}) {
		t.Fatalf("expected replaced hosts, got %v", server.Hosts)
	}
}

func TestRemoveTrustedServerThenEditFailsNotFound(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddTrustedServer("fp-1", []string{"a:1"}); err != nil {
		t.Fatalf("AddTrustedServer failed: %v", err)
	}
	if err := store.RemoveTrustedServer("fp-1"); err != nil {
		t.Fatalf("RemoveTrustedServer failed: %v", err)
	}

	if err := store.ReplaceTrustedServerHosts("fp-1", []string{"b:2"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}

	// Re-pairing recreates the entry, after which edits succeed again.
	if err := store.AddTrustedServer("fp-1", []string{"a:1"}); err != nil {
		t.Fatalf("re-pairing AddTrustedServer failed: %v", err)
	}
	if err := store.ReplaceTrustedServerHosts("fp-1", []string{"b:2"}); err != nil {
		t.Fatalf("ReplaceTrustedServerHosts after re-pairing failed: %v", err)
	}
}

func TestRemoveTrustedServerUnknownFingerprint(t *testing.T) {
	store := newTestStore(t)

	if err := store.RemoveTrustedServer("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTrustedServers(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddTrustedServer("fp-b", []string{"b:1"}); err != nil {
		t.Fatalf("AddTrustedServer fp-b failed: %v", err)
	}
	if err := store.AddTrustedServer("fp-a", []string{"a:1", "a:2"}); err != nil {
		t.Fatalf("AddTrustedServer fp-a failed: %v", err)
	}

	servers, err := store.ListTrustedServers()
	if err != nil {
		t.Fatalf("ListTrustedServers failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].Fingerprint != "fp-a" || servers[1].Fingerprint != "fp-b" {
		t.Fatalf("expected fingerprint order fp-a, fp-b; got %q, %q", servers[0].Fingerprint, servers[1].Fingerprint)
	}
	if !reflect.DeepEqual(servers[0].Hosts, []string{"a:1", "a:2"}) {
		t.Fatalf("expected hosts for fp-a, got %v", servers[0].Hosts)
	}
}
