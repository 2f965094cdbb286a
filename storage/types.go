package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// ClientStatusPending marks a client awaiting operator approval.
	ClientStatusPending = "pending"
	// ClientStatusApproved marks a client granted full access.
	ClientStatusApproved = "approved"
	// ClientStatusBlocked marks a client rejected at the transport layer.
	ClientStatusBlocked = "blocked"
)

const (
	// SeverityInfo indicates informational pairing event context.
	SeverityInfo = "info"
	// SeverityWarning indicates potentially suspicious behavior.
	SeverityWarning = "warning"
	// SeverityCritical indicates serious trust failures.
	SeverityCritical = "critical"
)

const (
	// EventClientRegistered records a first inbound contact.
	EventClientRegistered = "client_registered"
	// EventBlockedAttempt records a rejected connection from a blocked client.
	EventBlockedAttempt = "blocked_attempt"
	// EventFingerprintMismatch records a pinned-fingerprint verification failure.
	EventFingerprintMismatch = "fingerprint_mismatch"
	// EventServerTrusted records a pairing decision.
	EventServerTrusted = "server_trusted"
	// EventServerRemoved records a trust revocation.
	EventServerRemoved = "server_removed"
)

// Client is the SQLite representation of a remote peer that has attempted to
// connect to the local server.
type Client struct {
	Fingerprint       string
	Alias             string
	DeviceModel       string
	Status            string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
}

// TrustedServer is the SQLite representation of a pinned remote server
// certificate and the hosts known to serve it.
type TrustedServer struct {
	Fingerprint    string
	Hosts          []string
	AddedTimestamp int64
}

// PairingEvent stores structured trust-relevant runtime events.
type PairingEvent struct {
	ID          int64
	EventType   string
	Fingerprint *string
	Details     string
	Severity    string
	Timestamp   int64
}

// PairingEventFilter narrows GetPairingEvents query results.
type PairingEventFilter struct {
	EventType     string
	Fingerprint   string
	Severity      string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

func validateClientStatus(status string) error {
	switch status {
	case ClientStatusPending, ClientStatusApproved, ClientStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid client status %q", status)
	}
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid pairing event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
