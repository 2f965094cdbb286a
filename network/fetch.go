package network

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"lanpair/identity"
)

// FetchOptions configures the certificate fetcher.
type FetchOptions struct {
	// Identity is presented as the client certificate so servers that
	// require one still complete the handshake.
	Identity tls.Certificate
	Timeout  time.Duration
}

func (o FetchOptions) withDefaults() FetchOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultConnectTimeout
	}
	return out
}

// FetchServerCertificate connects to target for the sole purpose of reading
// the certificate it presents, and returns that certificate's fingerprint.
// No trust decision is made here: the fetch succeeds against any
// certificate, trusted or not, and never mutates the trust store. The
// result is what the operator confirms before pairing.
func FetchServerCertificate(ctx context.Context, target string, options FetchOptions) (string, error) {
	opts := options.withDefaults()

	address, err := normalizeHostPort(target)
	if err != nil {
		return "", err
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: opts.Timeout},
		Config: &tls.Config{
			Certificates:       []tls.Certificate{opts.Identity},
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
		},
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return "", classifyConnectError(err)
	}
	defer func() {
		_ = conn.Close()
	}()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", errors.New("fetched connection is not TLS")
	}

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		return "", ErrHandshakeFailed
	}

	return identity.Fingerprint(peerCerts[0].Raw), nil
}
