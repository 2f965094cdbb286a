package network

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTripAndSizeLimit(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte(`{"type":"hello"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame payload mismatch: %q", got)
	}

	oversize := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&buf, oversize); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageTypeRejectsMissingType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"alias":"x"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}

	msgType, err := DecodeMessageType([]byte(`{"type":"hello_ack"}`))
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeHelloAck {
		t.Fatalf("unexpected message type %q", msgType)
	}
}

func TestNormalizeHostPort(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"192.168.1.10", "192.168.1.10:7863"},
		{"192.168.1.10:9000", "192.168.1.10:9000"},
		{"https://192.168.1.10:9000", "192.168.1.10:9000"},
		{"https://pair.local", "pair.local:7863"},
		{"fe80::1", "[fe80::1]:7863"},
		{"[fe80::1]:9000", "[fe80::1]:9000"},
	}

	for _, tc := range cases {
		got, err := normalizeHostPort(tc.in)
		if err != nil {
			t.Fatalf("normalizeHostPort(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("normalizeHostPort(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := normalizeHostPort("  "); err == nil {
		t.Fatalf("expected error for blank host")
	}
}
