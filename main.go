package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"lanpair/config"
	"lanpair/discovery"
	"lanpair/identity"
	"lanpair/pairing"
	"lanpair/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	localIdentity, err := identity.EnsureCertificate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.CertificateID)
	if err != nil {
		log.Fatalf("startup failed while preparing certificate: %v", err)
	}

	if cfg.Fingerprint != localIdentity.Fingerprint {
		cfg.Fingerprint = localIdentity.Fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting fingerprint: %v", err)
		}
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Alias:           %s\n", cfg.Alias)
	fmt.Printf("Listening Port:  %d\n", cfg.ListeningPort)
	fmt.Printf("Fingerprint:     %s\n", identity.FormatFingerprint(cfg.Fingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	dataDir := filepath.Dir(cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	db, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	service, err := pairing.New(pairing.Options{
		Config:   cfg,
		Identity: localIdentity,
		DB:       db,
	})
	if err != nil {
		log.Fatalf("startup failed while creating pairing service: %v", err)
	}
	defer func() {
		if err := service.Close(); err != nil {
			log.Printf("pairing shutdown error: %v", err)
		}
	}()

	if err := service.StartServer(fmt.Sprintf(":%d", cfg.ListeningPort), ""); err != nil {
		log.Fatalf("startup failed while starting server: %v", err)
	}
	fmt.Println("Server:          running")

	if err := service.StartListening("", ""); err != nil {
		log.Printf("discovery listener startup failed: %v", err)
	} else {
		fmt.Println("Discovery:       listening")
		go logDiscoveryEvents(service.DiscoveryEvents())
	}

	if err := service.StartBroadcast(5*time.Minute, "", ""); err != nil {
		log.Printf("broadcast startup failed: %v", err)
	} else {
		fmt.Println("Broadcast:       announcing for 5m")
	}

	go logTrustUpdates(service)
	go logInboundSessions(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventDeviceUpserted:
			log.Printf("discovery: device available fingerprint=%s alias=%q ips=%v port=%d",
				event.Device.Fingerprint, event.Device.Alias, event.Device.IPs, event.Device.Port)
		case discovery.EventDeviceEvicted:
			log.Printf("discovery: device evicted fingerprint=%s", event.Device.Fingerprint)
		default:
			log.Printf("discovery: event=%s fingerprint=%s", event.Type, event.Device.Fingerprint)
		}
	}
}

func logTrustUpdates(service *pairing.Service) {
	updates, cancel := service.TrustUpdates()
	defer cancel()

	for snapshot := range updates {
		log.Printf("trust: list updated, %d trusted server(s)", len(snapshot))
		for _, server := range snapshot {
			log.Printf("trust:   %s hosts=%v", identity.FormatFingerprint(server.Fingerprint), server.Hosts)
		}
	}
}

func logInboundSessions(service *pairing.Service) {
	for session := range service.Incoming() {
		switch session.Status {
		case storage.ClientStatusApproved:
			log.Printf("server: approved client connected fingerprint=%s alias=%q", session.Fingerprint, session.Alias)
		default:
			log.Printf("server: client awaiting approval fingerprint=%s alias=%q", session.Fingerprint, session.Alias)
		}
	}
}
