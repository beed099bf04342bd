package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore/keystoretest"
)

// newMutualTLSServer starts a server that requires a client certificate
// issued under chain's root and serves chain's leaf.
func newMutualTLSServer(t *testing.T, chain *keystoretest.Chain, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(chain.Root)

	server := httptest.NewUnstartedServer(handler)
	server.TLS = &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{chain.Leaf.Raw, chain.Intermediate.Raw},
			PrivateKey:  chain.LeafKey,
		}},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  clientCAs,
		MinVersion: tls.VersionTLS12,
	}
	server.StartTLS()
	t.Cleanup(server.Close)
	return server
}

func TestDefaultHTTPSConfig(t *testing.T) {
	config := DefaultHTTPSConfig()

	if config.MinTLSVersion != TLS12 {
		t.Errorf("expected MinTLSVersion TLS12, got %d", config.MinTLSVersion)
	}
	if config.MaxTLSVersion != TLS13 {
		t.Errorf("expected MaxTLSVersion TLS13, got %d", config.MaxTLSVersion)
	}
	if config.Timeout != 45*time.Second {
		t.Errorf("expected Timeout 45s, got %v", config.Timeout)
	}
}

func TestClientTLSConfig(t *testing.T) {
	chain := keystoretest.NewChain(t, "client")

	cfg, err := ClientTLSConfig(&HTTPSConfig{SkipSystemRoots: true}, chain.Identity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Renegotiation != tls.RenegotiateFreelyAsClient {
		t.Error("expected renegotiation to be allowed")
	}
	if cfg.MinVersion != TLS12 {
		t.Errorf("expected TLS 1.2 minimum, got %d", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 || len(cfg.Certificates[0].Certificate) != 3 {
		t.Fatalf("expected one client certificate with the full chain")
	}

	// The chain's CAs are trusted, so the leaf verifies against the pool.
	_, err = chain.Leaf.Verify(x509.VerifyOptions{
		Roots:     cfg.RootCAs,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		t.Errorf("expected chain CAs in the root pool: %v", err)
	}

	if _, err := ClientTLSConfig(nil, nil); !errors.Is(err, fiscalerr.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestTrustPool_ExtraAnchors(t *testing.T) {
	chain := keystoretest.NewChain(t, "anchors")
	anchor := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain.Root.Raw})

	pool, err := TrustPool(nil, anchor, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	intermediates := x509.NewCertPool()
	intermediates.AddCert(chain.Intermediate)
	if _, err := chain.Leaf.Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		t.Errorf("expected operator anchor to be trusted: %v", err)
	}

	if _, err := TrustPool(nil, []byte("not pem"), true); !errors.Is(err, fiscalerr.ErrConfiguration) {
		t.Errorf("expected configuration error for bad PEM, got %v", err)
	}
}

func TestHTTPSClient_Send(t *testing.T) {
	chain := keystoretest.NewChain(t, "LOJA TESTE:12345678000195")

	server := newMutualTLSServer(t, chain, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if len(r.TLS.PeerCertificates) == 0 {
			t.Error("expected a client certificate")
		} else if cn := r.TLS.PeerCertificates[0].Subject.CommonName; cn != "LOJA TESTE:12345678000195" {
			t.Errorf("unexpected client certificate %q", cn)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/soap+xml; charset=utf-8" {
			t.Errorf("unexpected content-type %q", ct)
		}
		if r.Header.Get("User-Agent") != "go-nfe/1.0" {
			t.Errorf("unexpected User-Agent %q", r.Header.Get("User-Agent"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "<Request/>" {
			t.Errorf("unexpected body %q", body)
		}
		w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
		w.Write([]byte("<Response/>"))
	})

	client, err := NewHTTPSClient(&HTTPSConfig{SkipSystemRoots: true}, chain.Identity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.CloseIdleConnections()

	header := http.Header{}
	header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	response, err := client.Send(context.Background(), server.URL, []byte("<Request/>"), header)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(response) != "<Response/>" {
		t.Errorf("unexpected response: %s", string(response))
	}
}

func TestHTTPSClient_Send_UntrustedServer(t *testing.T) {
	serverChain := keystoretest.NewChain(t, "server")
	clientChain := keystoretest.NewChain(t, "client")

	server := newMutualTLSServer(t, serverChain, func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be reached")
	})

	client, err := NewHTTPSClient(&HTTPSConfig{SkipSystemRoots: true}, clientChain.Identity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Send(context.Background(), server.URL, []byte("<Request/>"), nil)
	if !errors.Is(err, fiscalerr.ErrNetwork) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestHTTPSClient_Send_ErrorStatus(t *testing.T) {
	chain := keystoretest.NewChain(t, "status")
	server := newMutualTLSServer(t, chain, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		w.Write([]byte("<fault/>"))
	})

	client, err := NewHTTPSClient(&HTTPSConfig{SkipSystemRoots: true}, chain.Identity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Send(context.Background(), server.URL, []byte("<Request/>"), nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("unexpected status %d", statusErr.StatusCode)
	}
	if string(statusErr.Body) != "<fault/>" {
		t.Errorf("unexpected body %q", statusErr.Body)
	}
}

func TestHTTPSClient_Send_Timeout(t *testing.T) {
	chain := keystoretest.NewChain(t, "slow")
	release := make(chan struct{})
	server := newMutualTLSServer(t, chain, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	client, err := NewHTTPSClient(&HTTPSConfig{SkipSystemRoots: true, Timeout: 200 * time.Millisecond}, chain.Identity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Send(context.Background(), server.URL, []byte("<Request/>"), nil)
	if !errors.Is(err, fiscalerr.ErrNetwork) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestHTTPSClient_Send_ContextCancellation(t *testing.T) {
	chain := keystoretest.NewChain(t, "cancel")
	client, err := NewHTTPSClient(&HTTPSConfig{SkipSystemRoots: true}, chain.Identity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Send(ctx, "https://127.0.0.1:1/ws", []byte("<Request/>"), nil)
	if !errors.Is(err, fiscalerr.ErrNetwork) {
		t.Errorf("expected network error for cancelled context, got %v", err)
	}
}
