// Package pairing is the command surface the embedding application drives:
// broadcast/listen sessions, the approval-gated server, trust mutations,
// certificate fetching, and pinned connections.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"lanpair/config"
	"lanpair/discovery"
	"lanpair/identity"
	"lanpair/network"
	"lanpair/storage"
	"lanpair/trust"
)

// Options wires a Service from its collaborators.
type Options struct {
	Config   *config.DeviceConfig
	Identity *identity.Identity
	DB       *storage.Store
	Logger   *log.Logger

	// Discovery overrides for tests; zero values use the real mDNS stack.
	Discovery discovery.Config

	ConnectTimeout time.Duration
}

// Service coordinates the pairing subsystem. All methods are safe for
// concurrent use.
type Service struct {
	cfg      *config.DeviceConfig
	identity *identity.Identity
	db       *storage.Store
	logger   *log.Logger

	Trust   *trust.Store
	Clients *trust.ClientRegistry

	broadcaster *discovery.Broadcaster
	listener    *discovery.Listener

	connectTimeout time.Duration

	mu       sync.Mutex
	server   *network.Server
	serverWG sync.WaitGroup
	incoming chan *network.Session
}

// New builds a pairing service. The discovery broadcaster and listener are
// created eagerly; the server starts only on StartServer.
func New(options Options) (*Service, error) {
	if options.Config == nil {
		return nil, errors.New("device config is required")
	}
	if options.Identity == nil {
		return nil, errors.New("local identity is required")
	}
	if options.DB == nil {
		return nil, errors.New("storage is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = log.Default()
	}

	discoveryCfg := options.Discovery
	if discoveryCfg.ListeningPort == 0 {
		discoveryCfg.ListeningPort = options.Config.ListeningPort
	}
	if discoveryCfg.DeviceModel == "" {
		discoveryCfg.DeviceModel = options.Config.DeviceModel
	}
	if discoveryCfg.DeviceType == "" {
		discoveryCfg.DeviceType = options.Config.DeviceType
	}

	broadcaster, err := discovery.NewBroadcaster(discoveryCfg)
	if err != nil {
		return nil, fmt.Errorf("create broadcaster: %w", err)
	}
	listener, err := discovery.NewListener(discoveryCfg)
	if err != nil {
		return nil, fmt.Errorf("create listener: %w", err)
	}

	return &Service{
		cfg:            options.Config,
		identity:       options.Identity,
		db:             options.DB,
		logger:         logger,
		Trust:          trust.NewStore(options.DB),
		Clients:        trust.NewClientRegistry(options.DB),
		broadcaster:    broadcaster,
		listener:       listener,
		connectTimeout: options.ConnectTimeout,
		incoming:       make(chan *network.Session, 16),
	}, nil
}

// CertificateFingerprint returns the local certificate fingerprint.
func (s *Service) CertificateFingerprint() string {
	return s.identity.Fingerprint
}

// StartBroadcast announces alias and fingerprint for duration, defaulting
// to the local identity when either is empty. A running broadcast session is
// replaced.
func (s *Service) StartBroadcast(duration time.Duration, alias, fingerprint string) error {
	if alias == "" {
		alias = s.cfg.Alias
	}
	if fingerprint == "" {
		fingerprint = s.identity.Fingerprint
	}
	return s.broadcaster.Start(duration, alias, fingerprint)
}

// StopBroadcast halts announcement. No-op while idle.
func (s *Service) StopBroadcast() {
	s.broadcaster.Stop()
}

// StartListening opens discovery reception, defaulting to the local identity
// when alias or fingerprint is empty. A running session is replaced.
func (s *Service) StartListening(alias, fingerprint string) error {
	if alias == "" {
		alias = s.cfg.Alias
	}
	if fingerprint == "" {
		fingerprint = s.identity.Fingerprint
	}
	return s.listener.Start(alias, fingerprint)
}

// StopListening closes reception and clears the discovery registry.
func (s *Service) StopListening() {
	s.listener.Stop()
}

// DiscoveredDevices returns the current discovery registry snapshot.
func (s *Service) DiscoveredDevices() []discovery.DiscoveredDevice {
	return s.listener.Devices()
}

// DiscoveryEvents streams discovery registry updates.
func (s *Service) DiscoveryEvents() <-chan discovery.Event {
	return s.listener.Events()
}

// StartServer opens the approval-gated TLS server, announcing alias in hello
// acks and defaulting to the configured alias when empty. Starting while
// already running fails with network.ErrAlreadyRunning; stop the server first.
func (s *Service) StartServer(address, alias string) error {
	if alias == "" {
		alias = s.cfg.Alias
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return network.ErrAlreadyRunning
	}

	server, err := network.Listen(address, network.ServerOptions{
		Identity: s.identity.Certificate,
		Gate:     s.Clients,
		Alias:    alias,
		OnBlockedAttempt: func(fingerprint string) {
			s.logger.Printf("rejected blocked client %s", fingerprint)
			s.logEvent(storage.EventBlockedAttempt, fingerprint, storage.SeverityWarning)
		},
	})
	if err != nil {
		return err
	}

	s.server = server
	s.serverWG.Add(2)
	go s.forwardSessions(server)
	go s.logServerErrors(server)

	s.logger.Printf("pairing server listening on %s", server.Addr())
	return nil
}

// StopServer closes the server. No-op while idle.
func (s *Service) StopServer() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	err := server.Close()
	s.serverWG.Wait()
	return err
}

// Incoming streams admitted inbound sessions across server restarts.
func (s *Service) Incoming() <-chan *network.Session {
	return s.incoming
}

// ServerRunning reports whether the server is active.
func (s *Service) ServerRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// ListClients returns every registered client.
func (s *Service) ListClients() ([]trust.ClientSummary, error) {
	return s.Clients.List()
}

// UpdateClientStatus sets the approval status of a known client.
func (s *Service) UpdateClientStatus(fingerprint, status string) error {
	return s.Clients.UpdateStatus(fingerprint, status)
}

// RemoveTrustedClient deletes a client from the registry.
func (s *Service) RemoveTrustedClient(fingerprint string) error {
	return s.Clients.Remove(fingerprint)
}

// TrustServer records a pairing decision after the operator confirmed the
// fetched fingerprint.
func (s *Service) TrustServer(fingerprint string, hosts []string) error {
	if err := s.Trust.Add(fingerprint, hosts); err != nil {
		return err
	}
	s.logEvent(storage.EventServerTrusted, fingerprint, storage.SeverityInfo)
	return nil
}

// EditHosts replaces the host list of a trusted server.
func (s *Service) EditHosts(fingerprint string, hosts []string) error {
	return s.Trust.EditHosts(fingerprint, hosts)
}

// RemoveTrustedServer deletes a trusted server.
func (s *Service) RemoveTrustedServer(fingerprint string) error {
	if err := s.Trust.Remove(fingerprint); err != nil {
		return err
	}
	s.logEvent(storage.EventServerRemoved, fingerprint, storage.SeverityInfo)
	return nil
}

// ListTrustedServers returns the full current trust list.
func (s *Service) ListTrustedServers() ([]trust.TrustedServer, error) {
	return s.Trust.List()
}

// TrustUpdates subscribes to full trust-list snapshots.
func (s *Service) TrustUpdates() (<-chan []trust.TrustedServer, func()) {
	return s.Trust.Subscribe()
}

// PairingEvents reads back the pairing audit log.
func (s *Service) PairingEvents(filter storage.PairingEventFilter) ([]storage.PairingEvent, error) {
	return s.db.GetPairingEvents(filter)
}

// FetchServerCertificate retrieves the certificate fingerprint presented at
// target, independent of trust.
func (s *Service) FetchServerCertificate(ctx context.Context, target string) (string, error) {
	return network.FetchServerCertificate(ctx, target, network.FetchOptions{
		Identity: s.identity.Certificate,
		Timeout:  s.connectTimeout,
	})
}

// Connect establishes a pinned session to the trusted server fingerprint.
// With no explicit hosts the trust store entry supplies the candidates. A
// fingerprint mismatch on any host is recorded as a critical event since it
// may indicate an impostor or a rotated certificate needing re-pairing.
func (s *Service) Connect(ctx context.Context, fingerprint string, hosts []string) (*network.Session, error) {
	if len(hosts) == 0 {
		server, err := s.Trust.Get(fingerprint)
		if err != nil {
			return nil, err
		}
		hosts = server.Hosts
	}

	session, err := network.Connect(ctx, fingerprint, hosts, network.ConnectOptions{
		Identity:       s.identity.Certificate,
		Alias:          s.cfg.Alias,
		DeviceModel:    s.cfg.DeviceModel,
		DeviceType:     s.cfg.DeviceType,
		PerHostTimeout: s.connectTimeout,
	})
	if err != nil {
		if errors.Is(err, network.ErrFingerprintMismatch) {
			s.logEvent(storage.EventFingerprintMismatch, fingerprint, storage.SeverityCritical)
		}
		return nil, err
	}

	s.logger.Printf("connected to %s via %s", fingerprint, session.Host)
	return session, nil
}

// Close shuts down every running session.
func (s *Service) Close() error {
	s.broadcaster.Stop()
	s.listener.Stop()
	return s.StopServer()
}

func (s *Service) forwardSessions(server *network.Server) {
	defer s.serverWG.Done()
	for session := range server.Incoming() {
		select {
		case s.incoming <- session:
			s.logger.Printf("inbound session from %s (%s)", session.Fingerprint, session.Status)
		default:
			s.logger.Printf("dropping inbound session from %s: queue full", session.Fingerprint)
			_ = session.Close()
		}
	}
}

func (s *Service) logServerErrors(server *network.Server) {
	defer s.serverWG.Done()
	for err := range server.Errors() {
		s.logger.Printf("server error: %v", err)
	}
}

func (s *Service) logEvent(eventType, fingerprint, severity string) {
	if err := s.db.LogPairingEvent(storage.PairingEvent{
		EventType:   eventType,
		Fingerprint: &fingerprint,
		Severity:    severity,
	}); err != nil {
		s.logger.Printf("log pairing event %s: %v", eventType, err)
	}
}
