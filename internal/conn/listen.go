package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

var ErrTLSConfig = errors.New("tls configuration failed")

// Listen opens the ingest listener on addr with SO_REUSEADDR where the
// platform supports it. A non-nil tlsConfig wraps accepted connections.
func Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		return tls.NewListener(ln, tlsConfig), nil
	}
	return ln, nil
}

// LoadTLSConfig loads a server certificate. Both paths empty means plain
// TCP and returns nil. Any other failure wraps ErrTLSConfig.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("%w: both certificate and key files are required", ErrTLSConfig)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSConfig, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
