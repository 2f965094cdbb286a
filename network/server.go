package network

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"lanpair/identity"
	"lanpair/storage"
)

// ClientGate decides what inbound clients may do, keyed by certificate
// fingerprint. trust.ClientRegistry satisfies it.
type ClientGate interface {
	Status(fingerprint string) (string, error)
	RegisterAttempt(fingerprint, alias, deviceModel string) (string, error)
}

// ServerOptions configures an inbound pairing server.
type ServerOptions struct {
	Identity tls.Certificate
	Gate     ClientGate

	// Alias is the local device name carried in hello acks so clients know
	// who they reached.
	Alias        string
	HelloTimeout time.Duration

	// OnBlockedAttempt runs whenever a blocked fingerprint is rejected at
	// the transport layer.
	OnBlockedAttempt func(fingerprint string)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.HelloTimeout <= 0 {
		out.HelloTimeout = DefaultHelloTimeout
	}
	return out
}

func (o ServerOptions) validate() error {
	if len(o.Identity.Certificate) == 0 {
		return errors.New("server identity certificate is required")
	}
	if o.Gate == nil {
		return errors.New("client gate is required")
	}
	return nil
}

// Server accepts inbound TLS sessions and gates them by client approval
// status. Blocked fingerprints are rejected before any application payload
// is exchanged; everyone else is admitted carrying their current status.
type Server struct {
	listener net.Listener
	options  ServerOptions

	incoming chan *Session
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TLS listener and accept loop. The client certificate is
// requested but never chain-verified: its fingerprint is the identity.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = fmt.Sprintf(":%d", DefaultPort)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{opts.Identity},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
	}

	listener, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *Session, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns admitted client sessions.
func (s *Server) Incoming() <-chan *Session {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.HelloTimeout)); err != nil {
		s.reportError(fmt.Errorf("set hello deadline: %w", err))
		return
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		s.reportError(errors.New("inbound connection is not TLS"))
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		s.reportError(fmt.Errorf("inbound tls handshake: %w", err))
		return
	}

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		s.reportError(errors.New("inbound connection presented no certificate"))
		return
	}
	fingerprint := identity.Fingerprint(peerCerts[0].Raw)

	// The blocked check happens before any application payload so a blocked
	// peer learns nothing beyond the rejection itself.
	status, err := s.options.Gate.Status(fingerprint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.reportError(fmt.Errorf("look up client status: %w", err))
		return
	}
	if status == storage.ClientStatusBlocked {
		if s.options.OnBlockedAttempt != nil {
			s.options.OnBlockedAttempt(fingerprint)
		}
		_ = s.sendError(conn, "blocked", "Connection refused.")
		// Graceful close-write plus drain so the rejection frame reaches
		// the peer instead of being discarded by an abortive close.
		_ = tlsConn.CloseWrite()
		_, _ = io.Copy(io.Discard, conn)
		return
	}

	helloPayload, err := ReadFrameWithTimeout(conn, s.options.HelloTimeout)
	if err != nil {
		s.reportError(fmt.Errorf("read hello: %w", err))
		return
	}
	msgType, err := DecodeMessageType(helloPayload)
	if err != nil {
		s.reportError(err)
		return
	}
	if msgType != TypeHello {
		_ = s.sendError(conn, "unknown_type", fmt.Sprintf("Expected %q, got %q.", TypeHello, msgType))
		return
	}

	hello, err := decodeHello(helloPayload)
	if err != nil {
		s.reportError(err)
		return
	}

	status, err = s.options.Gate.RegisterAttempt(fingerprint, hello.Alias, hello.DeviceModel)
	if err != nil {
		s.reportError(fmt.Errorf("register client attempt: %w", err))
		return
	}

	ackPayload, err := EncodeJSON(HelloAck{
		Type:        TypeHelloAck,
		Alias:       s.options.Alias,
		Fingerprint: fingerprint,
		Status:      status,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		s.reportError(err)
		return
	}
	if err := WriteFrame(conn, ackPayload); err != nil {
		s.reportError(fmt.Errorf("write hello ack: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear hello deadline: %w", err))
		return
	}

	session := &Session{
		Fingerprint: fingerprint,
		Alias:       hello.Alias,
		DeviceModel: hello.DeviceModel,
		DeviceType:  hello.DeviceType,
		Status:      status,
		conn:        conn,
	}

	closeConn = false
	select {
	case s.incoming <- session:
	case <-s.closed:
		_ = session.Close()
	}
}

func (s *Server) sendError(conn net.Conn, code, message string) error {
	payload, err := EncodeJSON(ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

func decodeHello(payload []byte) (HelloMessage, error) {
	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		return HelloMessage{}, fmt.Errorf("decode hello: %w", err)
	}
	if hello.Type != TypeHello {
		return HelloMessage{}, ErrInvalidMessageType
	}
	return hello, nil
}
