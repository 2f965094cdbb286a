package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func testServiceEntry(fingerprint, alias string, port int, ips ...string) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: alias,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: alias + ".local",
		Port:     port,
		Text: []string{
			"fingerprint=" + fingerprint,
			"alias=" + alias,
			"device_model=Desktop",
			"device_type=desktop",
		},
	}
	for _, ip := range ips {
		entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP(ip))
	}
	return entry
}

func TestListenerMergesAnnouncementsPerFingerprint(t *testing.T) {
	var browseCalls int32
	listener, err := NewListener(Config{
		ScanInterval: 20 * time.Millisecond,
		ScanTimeout:  10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("fp-bob", "Bob", 7863, "10.0.0.2")
			} else {
				// Same device announcing from a second interface.
				entries <- testServiceEntry("fp-bob", "Bob", 7863, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	if err := listener.Start("Alice", "fp-alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer listener.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		devices := listener.Devices()
		if len(devices) != 1 {
			return false
		}
		device := devices[0]
		return device.Fingerprint == "fp-bob" &&
			device.Alias == "Bob" &&
			device.DeviceModel == "Desktop" &&
			len(device.IPs) == 2 &&
			device.IPs[0] == "10.0.0.2" &&
			device.IPs[1] == "10.0.0.3"
	})
}

func TestListenerIgnoresSelfAnnouncements(t *testing.T) {
	listener, err := NewListener(Config{
		ScanInterval: 20 * time.Millisecond,
		ScanTimeout:  10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("fp-alice", "Alice", 7863, "10.0.0.1")
			entries <- testServiceEntry("fp-bob", "Bob", 7863, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	if err := listener.Start("Alice", "fp-alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer listener.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		devices := listener.Devices()
		return len(devices) == 1 && devices[0].Fingerprint == "fp-bob"
	})
}

func TestListenerEvictsStaleDevices(t *testing.T) {
	var browseCalls int32
	listener, err := NewListener(Config{
		AnnounceInterval: 5 * time.Millisecond,
		ScanInterval:     20 * time.Millisecond,
		ScanTimeout:      10 * time.Millisecond,
		SweepInterval:    30 * time.Millisecond,
		StaleAfter:       80 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("fp-bob", "Bob", 7863, "10.0.0.2")
			}
			entries <- testServiceEntry("fp-carol", "Carol", 7863, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	if err := listener.Start("Alice", "fp-alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer listener.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		return len(listener.Devices()) == 2
	})

	// Bob stops announcing after the first scan. Carol keeps refreshing and
	// must survive every sweep.
	waitForCondition(t, 2*time.Second, func() bool {
		devices := listener.Devices()
		return len(devices) == 1 && devices[0].Fingerprint == "fp-carol"
	})

	if !waitForEvent(listener.Events(), EventDeviceEvicted, "fp-bob", 2*time.Second) {
		t.Fatalf("expected eviction event for fp-bob")
	}
}

func TestListenerStopClearsRegistryAndAllowsRestart(t *testing.T) {
	listener, err := NewListener(Config{
		ScanInterval: 20 * time.Millisecond,
		ScanTimeout:  10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("fp-bob", "Bob", 7863, "10.0.0.2")
			<-ctx.Done()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	if err := listener.Start("Alice", "fp-alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return len(listener.Devices()) == 1
	})

	listener.Stop()
	if listener.Listening() {
		t.Fatalf("expected listener to be idle after Stop")
	}
	if len(listener.Devices()) != 0 {
		t.Fatalf("expected registry to be cleared on Stop")
	}
	listener.Stop()

	if err := listener.Start("Alice", "fp-alice"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer listener.Stop()

	waitForCondition(t, 2*time.Second, func() bool {
		return len(listener.Devices()) == 1
	})
}

func TestStopReturnsWhileEntriesAreStreaming(t *testing.T) {
	listener, err := NewListener(Config{
		ScanInterval: 20 * time.Millisecond,
		ScanTimeout:  time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case entries <- testServiceEntry("fp-bob", "Bob", 7863, "10.0.0.2"):
					}
				}
			}()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	if err := listener.Start("Alice", "fp-alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return len(listener.Devices()) == 1
	})

	stopped := make(chan struct{})
	go func() {
		listener.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatalf("Stop did not return while announcements were streaming in")
	}

	if listener.Listening() {
		t.Fatalf("expected listener to be idle after Stop")
	}
}

func TestListenerSurfacesBrowseErrors(t *testing.T) {
	browseErr := errors.New("socket unavailable")
	listener, err := NewListener(Config{
		ScanInterval: 20 * time.Millisecond,
		ScanTimeout:  10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	})
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}
	if err := listener.Start("Alice", "fp-alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer listener.Stop()

	select {
	case got := <-listener.Errors():
		if !errors.Is(got, browseErr) {
			t.Fatalf("expected browse error, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for browse error")
	}

	if !listener.Listening() {
		t.Fatalf("expected listener to keep running after a failed scan")
	}
}

func waitForEvent(events <-chan Event, eventType EventType, fingerprint string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Device.Fingerprint == fingerprint {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
