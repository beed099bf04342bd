package keystore

import (
	"fmt"
)

// DefaultKeyLabelPattern names token objects after the company tax id.
const DefaultKeyLabelPattern = "nfe-{scope}"

// PKCS11Config holds configuration for the PKCS#11 provider
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string

	// SlotID is the slot number to use (optional if SlotLabel is provided)
	SlotID *uint

	// SlotLabel is the token label to search for (optional if SlotID is provided)
	SlotLabel string

	// PIN is the user PIN for authentication
	PIN string

	// KeyLabelPattern is the pattern for key and certificate labels.
	// Use {scope} as placeholder, e.g. "nfe-{scope}"
	KeyLabelPattern string
}

// ProviderConfig selects and configures an IdentityProvider
type ProviderConfig struct {
	// Mode is "file" or "pkcs11"
	Mode string

	// Dir holds {scope}.pfx archives in file mode
	Dir string

	// Password resolves archive passwords in file mode
	Password PasswordFunc

	PKCS11 PKCS11Config
}

// NewProvider creates an IdentityProvider based on the configuration
func NewProvider(cfg ProviderConfig) (IdentityProvider, error) {
	switch cfg.Mode {
	case "pkcs11":
		p11 := cfg.PKCS11
		p, err := NewPKCS11Provider(&p11)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "file", "":
		dir := cfg.Dir
		if dir == "" {
			dir = "./certs"
		}
		p, err := NewFileProvider(dir, cfg.Password)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown identity mode: %s", cfg.Mode)
	}
}
