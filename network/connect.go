package network

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"lanpair/identity"
)

// ConnectOptions configures outbound pinned connections.
type ConnectOptions struct {
	Identity    tls.Certificate
	Alias       string
	DeviceModel string
	DeviceType  string

	PerHostTimeout time.Duration
	HelloTimeout   time.Duration
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	out := o
	if out.PerHostTimeout <= 0 {
		out.PerHostTimeout = DefaultConnectTimeout
	}
	if out.HelloTimeout <= 0 {
		out.HelloTimeout = DefaultHelloTimeout
	}
	return out
}

// HostError is one failed connection attempt.
type HostError struct {
	Host string
	Err  error
}

func (e HostError) Error() string {
	return fmt.Sprintf("%s: %v", e.Host, e.Err)
}

func (e HostError) Unwrap() error {
	return e.Err
}

// ConnectError aggregates per-host failures so callers can tell "all hosts
// unreachable" apart from "fingerprint mismatch on a reachable host".
type ConnectError struct {
	Fingerprint string
	Attempts    []HostError
}

func (e *ConnectError) Error() string {
	reasons := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		reasons = append(reasons, attempt.Error())
	}
	return fmt.Sprintf("connect to %s failed: %s", e.Fingerprint, strings.Join(reasons, "; "))
}

func (e *ConnectError) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		out = append(out, attempt)
	}
	return out
}

// Connect attempts the candidate hosts in order and returns a session to the
// first one presenting a certificate matching fingerprint. A mismatch is
// fatal for that host only; the next candidate is still tried. The session
// never carries an unverified certificate.
func Connect(ctx context.Context, fingerprint string, hosts []string, options ConnectOptions) (*Session, error) {
	opts := options.withDefaults()

	if strings.TrimSpace(fingerprint) == "" {
		return nil, errors.New("target fingerprint is required")
	}
	if len(hosts) == 0 {
		return nil, errors.New("at least one candidate host is required")
	}

	failure := &ConnectError{Fingerprint: fingerprint}
	for _, host := range hosts {
		session, err := connectHost(ctx, fingerprint, host, opts)
		if err == nil {
			return session, nil
		}
		failure.Attempts = append(failure.Attempts, HostError{Host: host, Err: err})

		if ctx.Err() != nil {
			break
		}
	}

	return nil, failure
}

func connectHost(ctx context.Context, fingerprint, host string, opts ConnectOptions) (*Session, error) {
	address, err := normalizeHostPort(host)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.PerHostTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: opts.PerHostTimeout},
		Config:    pinnedTLSConfig(opts.Identity, fingerprint),
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, classifyConnectError(err)
	}

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	helloPayload, err := EncodeJSON(HelloMessage{
		Type:            TypeHello,
		Alias:           opts.Alias,
		DeviceModel:     opts.DeviceModel,
		DeviceType:      opts.DeviceType,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, helloPayload); err != nil {
		return nil, classifyConnectError(err)
	}

	ackPayload, err := ReadFrameWithTimeout(conn, opts.HelloTimeout)
	if err != nil {
		return nil, classifyConnectError(err)
	}

	msgType, err := DecodeMessageType(ackPayload)
	if err != nil {
		return nil, err
	}
	switch msgType {
	case TypeHelloAck:
	case TypeError:
		var remoteErr ErrorMessage
		if err := json.Unmarshal(ackPayload, &remoteErr); err != nil {
			return nil, fmt.Errorf("decode error message: %w", err)
		}
		if remoteErr.Code == "blocked" {
			return nil, ErrBlocked
		}
		return nil, fmt.Errorf("remote error %q: %s", remoteErr.Code, remoteErr.Message)
	default:
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHelloAck, msgType)
	}

	var ack HelloAck
	if err := json.Unmarshal(ackPayload, &ack); err != nil {
		return nil, fmt.Errorf("decode hello ack: %w", err)
	}

	closeConn = false
	return &Session{
		Host:        host,
		Fingerprint: fingerprint,
		Alias:       ack.Alias,
		Status:      ack.Status,
		conn:        conn,
	}, nil
}

// pinnedTLSConfig accepts any chain but requires the leaf certificate to
// match the pinned fingerprint. The handshake surfaces the verification
// error unchanged, so errors.Is(err, ErrFingerprintMismatch) holds.
func pinnedTLSConfig(clientIdentity tls.Certificate, fingerprint string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{clientIdentity},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("%w: no certificate presented", ErrHandshakeFailed)
			}
			presented := identity.Fingerprint(rawCerts[0])
			if presented != fingerprint {
				return fmt.Errorf("%w: presented %s", ErrFingerprintMismatch, presented)
			}
			return nil
		},
	}
}

func classifyConnectError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFingerprintMismatch):
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}

// normalizeHostPort accepts "host", "host:port", and URL forms like
// "https://host:port", returning a dialable host:port with the default
// pairing port filled in.
func normalizeHostPort(host string) (string, error) {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return "", errors.New("empty host")
	}

	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("parse host %q: %w", host, err)
		}
		if parsed.Host == "" {
			return "", fmt.Errorf("parse host %q: no host component", host)
		}
		trimmed = parsed.Host
	}

	if _, _, err := net.SplitHostPort(trimmed); err == nil {
		return trimmed, nil
	}

	// Bare IPv6 literals need brackets before the port is appended.
	if strings.Count(trimmed, ":") >= 2 && !strings.HasPrefix(trimmed, "[") {
		trimmed = "[" + trimmed + "]"
	}
	return fmt.Sprintf("%s:%d", trimmed, DefaultPort), nil
}
