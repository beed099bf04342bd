package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// DefaultTimeout bounds a whole request, connection included.
const DefaultTimeout = 45 * time.Second

// MaxResponseBytes bounds how much of a response body is read.
const MaxResponseBytes = 16 << 20

// HTTPSConfig contains HTTPS client configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16 // nil keeps the Go defaults
	Timeout         time.Duration
	IdleConnTimeout time.Duration

	// ExtraRootsPEM holds operator supplied trust anchors, typically the
	// ICP-Brasil roots.
	ExtraRootsPEM []byte
	// SkipSystemRoots starts from an empty pool instead of the system one.
	SkipSystemRoots bool

	UserAgent string
	Logger    *slog.Logger
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		Timeout:         DefaultTimeout,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "go-nfe/1.0",
	}
}

func (c *HTTPSConfig) withDefaults() *HTTPSConfig {
	out := *DefaultHTTPSConfig()
	if c == nil {
		out.Logger = slog.Default()
		return &out
	}
	out.CipherSuites = c.CipherSuites
	out.ExtraRootsPEM = c.ExtraRootsPEM
	out.SkipSystemRoots = c.SkipSystemRoots
	out.Logger = c.Logger
	if c.MinTLSVersion != 0 {
		out.MinTLSVersion = c.MinTLSVersion
	}
	if c.MaxTLSVersion != 0 {
		out.MaxTLSVersion = c.MaxTLSVersion
	}
	if c.Timeout != 0 {
		out.Timeout = c.Timeout
	}
	if c.IdleConnTimeout != 0 {
		out.IdleConnTimeout = c.IdleConnTimeout
	}
	if c.UserAgent != "" {
		out.UserAgent = c.UserAgent
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return &out
}

// TrustPool builds the root pool for talking to an authority: the system
// pool (unless skipped), the operator PEM anchors and every certificate of
// chain that is a CA or self-signed.
func TrustPool(chain []*x509.Certificate, extraPEM []byte, skipSystem bool) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !skipSystem {
		if sys, err := x509.SystemCertPool(); err == nil && sys != nil {
			pool = sys
		}
	}
	if len(bytes.TrimSpace(extraPEM)) > 0 && !pool.AppendCertsFromPEM(extraPEM) {
		return nil, fiscalerr.Configuration("trust_anchors", "no certificate found in PEM data")
	}
	for _, c := range chain {
		if keystore.IsCertificateAuthority(c) || keystore.IsSelfSigned(c) {
			pool.AddCert(c)
		}
	}
	return pool, nil
}

// ClientTLSConfig returns the mutual TLS configuration for id.
func ClientTLSConfig(config *HTTPSConfig, id *keystore.SigningIdentity) (*tls.Config, error) {
	if id == nil || id.Certificate == nil || id.PrivateKey == nil {
		return nil, fiscalerr.Configuration("certificate", "no client identity")
	}
	config = config.withDefaults()

	roots, err := TrustPool(id.Intermediates(), config.ExtraRootsPEM, config.SkipSystemRoots)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:    config.MinTLSVersion,
		MaxVersion:    config.MaxTLSVersion,
		CipherSuites:  config.CipherSuites,
		Certificates:  []tls.Certificate{id.TLSCertificate()},
		RootCAs:       roots,
		Renegotiation: tls.RenegotiateFreelyAsClient,
	}, nil
}

// StatusError is returned for a non-2xx response. SOAP faults usually
// arrive this way, so the body is kept.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, fiscalerr.Truncate(string(e.Body)))
}

// HTTPSClient posts requests to an authority with a client certificate.
type HTTPSClient struct {
	client *http.Client
	config *HTTPSConfig
}

// NewHTTPSClient creates a client presenting id.
func NewHTTPSClient(config *HTTPSConfig, id *keystore.SigningIdentity) (*HTTPSClient, error) {
	config = config.withDefaults()
	tlsConfig, err := ClientTLSConfig(config, id)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: config.Timeout,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
	}

	return &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
	}, nil
}

// Send posts body to endpoint with the given headers and returns the
// response body. Transport failures are NetworkErrors; non-2xx responses
// are StatusErrors.
func (c *HTTPSClient) Send(ctx context.Context, endpoint string, body []byte, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fiscalerr.Configuration("endpoint", err.Error())
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	requestID := uuid.NewString()
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.config.Logger.Debug("request failed", "request_id", requestID, "endpoint", endpoint, "error", err)
		return nil, &fiscalerr.NetworkError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, &fiscalerr.NetworkError{Endpoint: endpoint, Err: fmt.Errorf("reading response: %w", err)}
	}

	c.config.Logger.Debug("request completed",
		"request_id", requestID,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"bytes", len(responseBody),
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: responseBody}
	}
	return responseBody, nil
}

// CloseIdleConnections releases pooled connections.
func (c *HTTPSClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
