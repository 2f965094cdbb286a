// Package trust holds both directions of the pairing trust model: the Trust
// Store pins fingerprints of remote servers this device connects to, and the
// Client Registry gates remote clients connecting to the local server.
package trust

import (
	"log"
	"sync"

	"lanpair/storage"
)

// TrustedServer is one pinned remote server and its ordered known hosts.
type TrustedServer struct {
	Fingerprint string
	Hosts       []string
}

// serverStore is the persistence surface the Trust Store needs.
// *storage.Store satisfies it.
type serverStore interface {
	AddTrustedServer(fingerprint string, hosts []string) error
	ReplaceTrustedServerHosts(fingerprint string, hosts []string) error
	RemoveTrustedServer(fingerprint string) error
	GetTrustedServer(fingerprint string) (*storage.TrustedServer, error)
	ListTrustedServers() ([]storage.TrustedServer, error)
}

// Store is the persisted fingerprint-to-hosts trust mapping. Every successful
// mutation publishes the complete current list to all subscribers, so
// consumers render the latest snapshot without incremental-merge logic.
type Store struct {
	db serverStore

	mu          sync.Mutex
	subscribers map[int]chan []TrustedServer
	nextSubID   int
}

// NewStore wraps a storage handle as a Trust Store.
func NewStore(db serverStore) *Store {
	return &Store{
		db:          db,
		subscribers: make(map[int]chan []TrustedServer),
	}
}

// Add records a pairing decision: the fingerprint is pinned with the given
// hosts. Re-pairing an already trusted fingerprint replaces its host list.
func (s *Store) Add(fingerprint string, hosts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.AddTrustedServer(fingerprint, hosts); err != nil {
		return err
	}

	s.publishLocked()
	return nil
}

// EditHosts replaces the host list for an existing trusted fingerprint. It
// fails with storage.ErrNotFound if the fingerprint was never trusted:
// pairing must create the entry first.
func (s *Store) EditHosts(fingerprint string, hosts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.ReplaceTrustedServerHosts(fingerprint, hosts); err != nil {
		return err
	}

	s.publishLocked()
	return nil
}

// Remove deletes a trusted server entry.
func (s *Store) Remove(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.RemoveTrustedServer(fingerprint); err != nil {
		return err
	}

	s.publishLocked()
	return nil
}

// Get returns one trusted server entry.
func (s *Store) Get(fingerprint string) (TrustedServer, error) {
	server, err := s.db.GetTrustedServer(fingerprint)
	if err != nil {
		return TrustedServer{}, err
	}
	return TrustedServer{Fingerprint: server.Fingerprint, Hosts: server.Hosts}, nil
}

// List returns the full current trust list.
func (s *Store) List() ([]TrustedServer, error) {
	servers, err := s.db.ListTrustedServers()
	if err != nil {
		return nil, err
	}

	out := make([]TrustedServer, 0, len(servers))
	for _, server := range servers {
		out = append(out, TrustedServer{
			Fingerprint: server.Fingerprint,
			Hosts:       server.Hosts,
		})
	}
	return out, nil
}

// Subscribe registers a trust-list subscriber. The returned channel receives
// the complete trust list after every successful mutation; when a subscriber
// lags, older snapshots are replaced so the latest one always wins. The
// cancel func removes the subscription and closes the channel.
func (s *Store) Subscribe() (<-chan []TrustedServer, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++

	ch := make(chan []TrustedServer, 1)
	s.subscribers[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}

	return ch, cancel
}

// publishLocked loads the full current list and pushes it to every
// subscriber. The store mutex is held by the caller, so a subscriber never
// observes a partially-applied mutation. The mutation has already committed
// at this point, so a failed snapshot read drops the notification instead of
// failing the caller.
func (s *Store) publishLocked() {
	servers, err := s.db.ListTrustedServers()
	if err != nil {
		log.Printf("trust: load snapshot for notification: %v", err)
		return
	}

	snapshot := make([]TrustedServer, 0, len(servers))
	for _, server := range servers {
		snapshot = append(snapshot, TrustedServer{
			Fingerprint: server.Fingerprint,
			Hosts:       server.Hosts,
		})
	}

	for _, ch := range s.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Drop the stale snapshot so the latest one replaces it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}
