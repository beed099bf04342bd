package keystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

// archiveExtensions are tried in order when locating a scope's archive.
var archiveExtensions = []string{".pfx", ".p12"}

// PasswordFunc resolves the archive password for scope.
type PasswordFunc func(ctx context.Context, scope string) (string, error)

// StaticPassword returns a PasswordFunc that always yields password.
func StaticPassword(password string) PasswordFunc {
	return func(context.Context, string) (string, error) {
		return password, nil
	}
}

// PasswordMap returns a PasswordFunc backed by a scope → password map.
func PasswordMap(passwords map[string]string) PasswordFunc {
	return func(_ context.Context, scope string) (string, error) {
		pw, ok := passwords[scope]
		if !ok {
			return "", fiscalerr.Configuration("password", "no password configured for "+scope)
		}
		return pw, nil
	}
}

// FileProvider implements IdentityProvider using PKCS#12 archives on disk
//
// Archives are expected at: {dir}/{scope}.pfx (or .p12), where scope is
// normally the company CNPJ. Extracted identities are cached until Close.
type FileProvider struct {
	dir        string
	password   PasswordFunc
	mu         sync.RWMutex
	identities map[string]*SigningIdentity
}

// NewFileProvider creates a new file-based identity provider
func NewFileProvider(dir string, password PasswordFunc) (*FileProvider, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("checking certificate directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("certificate directory is not a directory: %s", dir)
	}
	if password == nil {
		return nil, fiscalerr.Configuration("password", "password resolver is required")
	}

	return &FileProvider{
		dir:        dir,
		password:   password,
		identities: make(map[string]*SigningIdentity),
	}, nil
}

// Identity returns the signing identity for scope
func (p *FileProvider) Identity(ctx context.Context, scope string) (*SigningIdentity, error) {
	p.mu.RLock()
	if id, ok := p.identities[scope]; ok {
		p.mu.RUnlock()
		return id, nil
	}
	p.mu.RUnlock()

	id, err := p.load(ctx, scope)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.identities[scope] = id
	p.mu.Unlock()

	return id, nil
}

// ListIdentities describes every archive in the directory that can be opened.
func (p *FileProvider) ListIdentities(ctx context.Context) ([]IdentityInfo, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("reading certificate directory: %w", err)
	}

	var infos []IdentityInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".pfx" && ext != ".p12" {
			continue
		}
		scope := strings.TrimSuffix(entry.Name(), ext)

		id, err := p.Identity(ctx, scope)
		if err != nil {
			continue // unreadable or no password
		}
		infos = append(infos, describe(scope, id.Certificate))
	}
	return infos, nil
}

// Close drops cached identities
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities = make(map[string]*SigningIdentity)
	return nil
}

func (p *FileProvider) load(ctx context.Context, scope string) (*SigningIdentity, error) {
	if scope == "" || strings.ContainsAny(scope, `/\`) || strings.Contains(scope, "..") {
		return nil, fiscalerr.Configuration("scope", "invalid identity scope")
	}

	var archive []byte
	for _, ext := range archiveExtensions {
		data, err := os.ReadFile(filepath.Join(p.dir, scope+ext))
		if err == nil {
			archive = data
			break
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
	}
	if archive == nil {
		return nil, ErrIdentityNotFound
	}

	password, err := p.password(ctx, scope)
	if err != nil {
		return nil, err
	}
	return Extract(archive, password)
}
