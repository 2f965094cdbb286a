// Package network carries the pairing transport: a TLS server gated by
// client approval status, a pinning connector for trusted servers, and the
// trust-independent certificate fetcher.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1024 * 1024
	// DefaultPort is the pairing service TCP port.
	DefaultPort = 7863
	// DefaultConnectTimeout bounds each per-host dial and TLS handshake.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultHelloTimeout bounds the post-handshake hello exchange.
	DefaultHelloTimeout = 10 * time.Second
)

const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeError    = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrUnreachable indicates the remote host could not be reached.
	ErrUnreachable = errors.New("network: host unreachable")
	// ErrHandshakeFailed indicates the TLS handshake did not complete.
	ErrHandshakeFailed = errors.New("network: tls handshake failed")
	// ErrTimeout indicates the per-host connection budget was exceeded.
	ErrTimeout = errors.New("network: connection timed out")
	// ErrFingerprintMismatch indicates the presented certificate does not
	// match the pinned fingerprint. Never downgraded to a warning.
	ErrFingerprintMismatch = errors.New("network: certificate fingerprint mismatch")
	// ErrAlreadyRunning indicates the server is already listening.
	ErrAlreadyRunning = errors.New("network: server already running")
	// ErrBlocked indicates the remote server refused the connection because
	// this client is blocked.
	ErrBlocked = errors.New("network: client is blocked by remote server")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage introduces a client after the TLS handshake. The client's
// identity is its certificate fingerprint, already verified at the TLS
// layer; hello carries only presentation metadata.
type HelloMessage struct {
	Type            string `json:"type"`
	Alias           string `json:"alias"`
	DeviceModel     string `json:"device_model"`
	DeviceType      string `json:"device_type"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// HelloAck reports the server's view of the client back to it, including
// the approval status the connection was admitted under.
type HelloAck struct {
	Type        string `json:"type"`
	Alias       string `json:"alias"`
	Fingerprint string `json:"fingerprint"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
