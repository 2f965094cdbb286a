// Package discovery announces the local device over mDNS for a bounded
// duration and collects peer announcements into a live registry with
// liveness eviction.
package discovery

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanpair._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultAnnounceInterval is the announcement refresh interval while
	// broadcasting.
	DefaultAnnounceInterval = time.Second
	// DefaultScanInterval is the background browse interval while listening.
	DefaultScanInterval = 2 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 3 * time.Second
	// DefaultSweepInterval is the stale-entry eviction period.
	DefaultSweepInterval = 5 * time.Second
	// DefaultStaleAfter is the liveness window. It must exceed the announce
	// interval by a wide margin so a few lost packets do not evict a peer.
	DefaultStaleAfter = 30 * time.Second
)

// announcer is the active mDNS registration. zeroconf.Server satisfies it.
type announcer interface {
	SetText(txt []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (announcer, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface) (announcer, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

// Config controls mDNS broadcaster and listener behavior.
type Config struct {
	Service          string
	Domain           string
	AnnounceInterval time.Duration
	ScanInterval     time.Duration
	ScanTimeout      time.Duration
	SweepInterval    time.Duration
	StaleAfter       time.Duration

	DeviceModel   string
	DeviceType    string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.AnnounceInterval <= 0 {
		out.AnnounceInterval = DefaultAnnounceInterval
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.StaleAfter <= out.AnnounceInterval {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.registerFn == nil {
		out.registerFn = zeroconfRegister
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

// Broadcaster advertises the local alias and certificate fingerprint over
// mDNS for a bounded duration. Only one session is active at a time; a new
// Start replaces the running session.
type Broadcaster struct {
	cfg Config

	mu          sync.Mutex
	alias       string
	fingerprint string
	session     *broadcastSession
}

type broadcastSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the session and waits for its loop to exit. It must not be
// called with the broadcaster mutex held: the announce loop takes that mutex
// on every tick.
func (s *broadcastSession) stop() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// NewBroadcaster creates a broadcaster with config defaults applied.
func NewBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}
	return &Broadcaster{cfg: cfg}, nil
}

// Start begins periodic announcement of the given alias and fingerprint and
// self-stops once duration elapses. A running session is replaced.
func (b *Broadcaster) Start(duration time.Duration, alias, fingerprint string) error {
	if strings.TrimSpace(alias) == "" {
		return errors.New("alias is required")
	}
	if strings.TrimSpace(fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	if duration <= 0 {
		return errors.New("broadcast duration must be > 0")
	}

	b.mu.Lock()
	previous := b.detachSessionLocked()
	b.mu.Unlock()
	previous.stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.alias = alias
	b.fingerprint = fingerprint

	server, err := b.cfg.registerFn(alias, b.cfg.Service, b.cfg.Domain, b.cfg.ListeningPort, b.txtLocked(), nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	session := &broadcastSession{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	b.session = session

	go b.announceLoop(ctx, server, session.done)

	return nil
}

// SetIdentity updates the alias and fingerprint carried by subsequent
// announcements of the current session. Packets already sent are unaffected.
func (b *Broadcaster) SetIdentity(alias, fingerprint string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if alias != "" {
		b.alias = alias
	}
	if fingerprint != "" {
		b.fingerprint = fingerprint
	}
}

// Stop halts the running session immediately. Calling it while idle is a
// no-op.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	session := b.detachSessionLocked()
	b.mu.Unlock()
	session.stop()
}

// Broadcasting reports whether a session is currently active.
func (b *Broadcaster) Broadcasting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil
}

func (b *Broadcaster) detachSessionLocked() *broadcastSession {
	session := b.session
	b.session = nil
	return session
}

func (b *Broadcaster) txtLocked() []string {
	return []string{
		"fingerprint=" + b.fingerprint,
		"alias=" + b.alias,
		"device_model=" + b.cfg.DeviceModel,
		"device_type=" + b.cfg.DeviceType,
	}
}

func (b *Broadcaster) announceLoop(ctx context.Context, server announcer, done chan struct{}) {
	defer func() {
		server.Shutdown()
		// done must close before taking the mutex: Stop waits on done
		// while holding it.
		close(done)
		b.mu.Lock()
		if b.session != nil && b.session.done == done {
			b.session = nil
		}
		b.mu.Unlock()
	}()

	ticker := time.NewTicker(b.cfg.AnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Refresh the advertised TXT record so identity changes show
			// up in later packets of the same session.
			b.mu.Lock()
			txt := b.txtLocked()
			b.mu.Unlock()
			server.SetText(txt)
		case <-ctx.Done():
			return
		}
	}
}
