//go:build pkcs11

package keystore

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesIgnite/crypto11"
)

// PKCS11Provider implements IdentityProvider using a PKCS#11 token (A3 smart card or HSM)
type PKCS11Provider struct {
	ctx             *crypto11.Context
	keyLabelPattern string
	mu              sync.RWMutex
	identities      map[string]*SigningIdentity
}

// NewPKCS11Provider creates a new PKCS#11 identity provider
func NewPKCS11Provider(cfg *PKCS11Config) (*PKCS11Provider, error) {
	config := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}

	if cfg.SlotID != nil {
		slotID := int(*cfg.SlotID)
		config.SlotNumber = &slotID
	}
	if cfg.SlotLabel != "" {
		config.TokenLabel = cfg.SlotLabel
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	pattern := cfg.KeyLabelPattern
	if pattern == "" {
		pattern = DefaultKeyLabelPattern
	}

	return &PKCS11Provider{
		ctx:             ctx,
		keyLabelPattern: pattern,
		identities:      make(map[string]*SigningIdentity),
	}, nil
}

// Identity returns the token-backed identity for scope
func (p *PKCS11Provider) Identity(ctx context.Context, scope string) (*SigningIdentity, error) {
	p.mu.RLock()
	if id, ok := p.identities[scope]; ok {
		p.mu.RUnlock()
		return id, nil
	}
	p.mu.RUnlock()

	label := []byte(p.keyLabel(scope))

	key, err := p.ctx.FindKeyPair(nil, label)
	if err != nil {
		return nil, fmt.Errorf("finding key pair: %w", err)
	}
	if key == nil {
		return nil, ErrIdentityNotFound
	}

	leaf, err := p.ctx.FindCertificate(nil, label, nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if leaf == nil {
		return nil, ErrIdentityNotFound
	}

	// Issuers stored on the token are optional; absence is not an error.
	all, _ := p.ctx.FindAllPairedCertificates()
	certs := []*x509.Certificate{leaf}
	for _, c := range all {
		if c.Leaf != nil {
			certs = append(certs, c.Leaf)
		}
	}

	ordered := OrderChain(leaf, certs)
	id := &SigningIdentity{
		PrivateKey:  key,
		Certificate: leaf,
		Chain:       ordered[:linkedPrefix(ordered)],
	}

	p.mu.Lock()
	p.identities[scope] = id
	p.mu.Unlock()

	return id, nil
}

// Close releases PKCS#11 resources
func (p *PKCS11Provider) Close() error {
	return p.ctx.Close()
}

func (p *PKCS11Provider) keyLabel(scope string) string {
	return strings.ReplaceAll(p.keyLabelPattern, "{scope}", scope)
}
