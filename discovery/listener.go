package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventDeviceUpserted is emitted when a device appears or its record
	// changes.
	EventDeviceUpserted EventType = "device_upserted"
	// EventDeviceEvicted is emitted when a device misses the liveness
	// window and is swept from the registry.
	EventDeviceEvicted EventType = "device_evicted"
)

// EventType identifies discovery registry updates.
type EventType string

// Event carries discovery updates for the embedding application.
type Event struct {
	Type   EventType
	Device DiscoveredDevice
}

// DiscoveredDevice is one live peer, keyed by certificate fingerprint. IPs
// accumulates every address seen for the fingerprint across interfaces and
// announcements.
type DiscoveredDevice struct {
	Alias       string
	DeviceModel string
	DeviceType  string
	Fingerprint string
	Port        int
	IPs         []string
	LastSeen    time.Time
}

// Listener collects peer announcements into a registry with liveness
// eviction. The registry is ephemeral: Stop clears it, and a later Start
// rebuilds it from scratch.
type Listener struct {
	cfg    Config
	browse browseFunc

	mu              sync.RWMutex
	selfFingerprint string
	devices         map[string]DiscoveredDevice
	session         *listenSession

	events chan Event
	errs   chan error
}

type listenSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the session and waits for its loop to exit. It must not be
// called with the listener mutex held: the ingest path takes that mutex for
// every received entry.
func (s *listenSession) stop() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

// NewListener creates a listener with config defaults applied. The mDNS
// resolver is opened lazily on the first Start so construction never touches
// the network.
func NewListener(config Config) (*Listener, error) {
	cfg := config.withDefaults()

	return &Listener{
		cfg:     cfg,
		browse:  cfg.browseFn,
		devices: make(map[string]DiscoveredDevice),
		events:  make(chan Event, 128),
		errs:    make(chan error, 16),
	}, nil
}

// Start opens reception. Announcements carrying fingerprint are ignored so
// the local device never discovers itself. A running session is replaced.
func (l *Listener) Start(alias, fingerprint string) error {
	if strings.TrimSpace(fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	_ = alias

	l.mu.Lock()
	if l.browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			l.mu.Unlock()
			return err
		}
		l.browse = resolver.Browse
	}
	previous := l.detachSessionLocked()
	l.mu.Unlock()
	previous.stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.selfFingerprint = fingerprint
	l.devices = make(map[string]DiscoveredDevice)

	ctx, cancel := context.WithCancel(context.Background())
	session := &listenSession{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.session = session

	go l.loop(ctx, session.done)

	return nil
}

// Stop closes reception and clears the registry. Calling it while idle is a
// no-op; listening may be restarted afterwards.
func (l *Listener) Stop() {
	l.mu.Lock()
	session := l.detachSessionLocked()
	l.devices = make(map[string]DiscoveredDevice)
	l.mu.Unlock()
	session.stop()
}

// Listening reports whether a session is currently active.
func (l *Listener) Listening() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.session != nil
}

// Events provides asynchronous registry updates.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Errors surfaces browse failures. The listener keeps running after a failed
// scan and retries on the next tick.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Devices returns the current registry snapshot, sorted by alias then
// fingerprint.
func (l *Listener) Devices() []DiscoveredDevice {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]DiscoveredDevice, 0, len(l.devices))
	for _, device := range l.devices {
		out = append(out, device)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Alias == out[j].Alias {
			return out[i].Fingerprint < out[j].Fingerprint
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}

func (l *Listener) detachSessionLocked() *listenSession {
	session := l.session
	l.session = nil
	return session
}

func (l *Listener) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Prime the registry immediately.
	l.runScan(ctx)

	scanTicker := time.NewTicker(l.cfg.ScanInterval)
	defer scanTicker.Stop()
	sweepTicker := time.NewTicker(l.cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-scanTicker.C:
			l.runScan(ctx)
		case <-sweepTicker.C:
			l.sweep(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) runScan(sessionCtx context.Context) {
	scanCtx, cancel := context.WithTimeout(sessionCtx, l.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				l.ingest(entry, time.Now())
			}
		}
	}()

	if err := l.browse(scanCtx, l.cfg.Service, l.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		l.reportError(err)
		return
	}

	<-scanCtx.Done()
	<-collectorDone
}

// ingest upserts one announcement into the registry: last seen moves
// forward, addresses are unioned, metadata is refreshed.
func (l *Listener) ingest(entry *zeroconf.ServiceEntry, now time.Time) {
	txt := txtToMap(entry.Text)

	fingerprint := strings.TrimSpace(txt["fingerprint"])
	if fingerprint == "" {
		return
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		if raw := ip.String(); raw != "" {
			addresses = append(addresses, raw)
		}
	}

	alias := strings.TrimSpace(txt["alias"])
	if alias == "" {
		alias = strings.TrimSpace(entry.Instance)
	}

	l.mu.Lock()
	if fingerprint == l.selfFingerprint || l.session == nil {
		l.mu.Unlock()
		return
	}

	device, exists := l.devices[fingerprint]
	device.Fingerprint = fingerprint
	device.Alias = alias
	device.DeviceModel = strings.TrimSpace(txt["device_model"])
	device.DeviceType = strings.TrimSpace(txt["device_type"])
	device.Port = entry.Port
	device.IPs = unionAddresses(device.IPs, addresses)
	if !exists || now.After(device.LastSeen) {
		device.LastSeen = now
	}
	l.devices[fingerprint] = device
	l.mu.Unlock()

	l.emitEvent(Event{Type: EventDeviceUpserted, Device: device})
}

// sweep evicts every device whose last announcement is older than the
// liveness window. A device refreshed during the sweep tick survives.
func (l *Listener) sweep(now time.Time) {
	cutoff := now.Add(-l.cfg.StaleAfter)

	l.mu.Lock()
	var evicted []DiscoveredDevice
	for fingerprint, device := range l.devices {
		if device.LastSeen.Before(cutoff) {
			delete(l.devices, fingerprint)
			evicted = append(evicted, device)
		}
	}
	l.mu.Unlock()

	for _, device := range evicted {
		l.emitEvent(Event{Type: EventDeviceEvicted, Device: device})
	}
}

func (l *Listener) emitEvent(event Event) {
	select {
	case l.events <- event:
	default:
	}
}

func (l *Listener) reportError(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	select {
	case l.errs <- err:
	default:
	}
}

// unionAddresses appends the new addresses not already present, preserving
// first-seen order.
func unionAddresses(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, addr := range existing {
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, addr := range incoming {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = parts[1]
	}
	return out
}
