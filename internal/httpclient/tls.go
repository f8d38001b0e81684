package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// TLSConfig covers the two knobs self-hosted stores need: a private CA and,
// for dev only, skipping verification.
type TLSConfig struct {
	InsecureSkipVerify bool
	CACertificate      string
}

// ConfigureTLS builds an http.Transport from the config.
func ConfigureTLS(config *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}

	if config != nil && config.CACertificate != "" {
		caCert, err := os.ReadFile(config.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", config.CACertificate, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", config.CACertificate)
		}
		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if config != nil && config.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	return transport, nil
}

// WithTLSConfig applies a TLS transport to the client being built. An
// unreadable CA file falls back to the default transport.
func WithTLSConfig(config *TLSConfig) Option {
	return func(c *Client) {
		if config == nil {
			return
		}
		transport, err := ConfigureTLS(config)
		if err != nil {
			c.logger.Warn("failed to configure TLS, using default transport", "error", err)
			return
		}
		if c.client != nil {
			c.client.Transport = transport
		} else {
			c.client = &http.Client{Transport: transport, Timeout: 60 * time.Second}
		}
	}
}
