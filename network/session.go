package network

import (
	"net"
	"sync"
	"time"
)

// Session is one established pairing connection. Inbound sessions carry the
// client's registry status; outbound sessions carry the status the remote
// server admitted us under.
type Session struct {
	// Host is the candidate that produced this session, in its original
	// form. Empty for inbound sessions.
	Host string

	Fingerprint string
	Alias       string
	DeviceModel string
	DeviceType  string
	Status      string

	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

// RemoteAddr returns the remote endpoint address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Send writes one protocol message as a frame.
func (s *Session) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(s.conn, payload)
}

// Receive reads one frame, bounded by timeout when positive.
func (s *Session) Receive(timeout time.Duration) ([]byte, error) {
	return ReadFrameWithTimeout(s.conn, timeout)
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
