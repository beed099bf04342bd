// Package config handles configuration loading for the nfe-sync tool.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows certificate
// passwords, token PINs and database credentials to be injected at
// runtime.
//
// # Configuration Sections
//
//   - company: tax id, region and environment the tool acts for
//   - emitter: issuer profile used when building documents
//   - certificate: identity provider (file archives or PKCS#11 token)
//   - transport: TLS anchors, timeout and user agent
//   - endpoints: overrides of the built-in authority endpoints
//   - storage: watermark and document backend
//   - distribution: poll bounds and pacing
//   - logging: level and format
//
// # Example Configuration
//
//	company:
//	  taxId: "12345678000195"
//	  region: SP
//	  environment: homologation
//
//	certificate:
//	  mode: file
//	  file:
//	    dir: /etc/nfe/certs
//	    password: ${NFE_CERT_PASSWORD}
//
//	storage:
//	  type: postgres
//	  postgres:
//	    url: ${DATABASE_URL}
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-nfe/pkg/authority"
	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
	"github.com/sirosfoundation/go-nfe/pkg/transport"
)

// Config is the root configuration structure
type Config struct {
	Company      CompanyConfig        `yaml:"company"`
	Emitter      EmitterConfig        `yaml:"emitter"`
	Certificate  CertificateConfig    `yaml:"certificate"`
	Transport    TransportConfig      `yaml:"transport"`
	Endpoints    []authority.Override `yaml:"endpoints"`
	Storage      StorageConfig        `yaml:"storage"`
	Distribution DistributionConfig   `yaml:"distribution"`
	Logging      LoggingConfig        `yaml:"logging"`
}

// CompanyConfig identifies the business
type CompanyConfig struct {
	TaxID       string `yaml:"taxId"`
	Region      string `yaml:"region"`      // code, abbreviation or name
	Environment string `yaml:"environment"` // production or homologation
}

// EmitterConfig is the issuer profile written into built documents
type EmitterConfig struct {
	Name              string  `yaml:"name"`
	TradeName         string  `yaml:"tradeName"`
	StateRegistration string  `yaml:"stateRegistration"`
	TaxRegime         int     `yaml:"taxRegime"`
	Series            int     `yaml:"series"`
	Address           Address `yaml:"address"`
	// QR code token (CSC) for consumer documents
	CSC   string `yaml:"csc"`
	CSCID string `yaml:"cscId"`
	// State portal URLs printed on consumer receipts
	QRCodeURL  string `yaml:"qrCodeUrl"`
	ConsultURL string `yaml:"consultUrl"`
}

// Address mirrors document.Address
type Address struct {
	Street     string `yaml:"street"`
	Number     string `yaml:"number"`
	Complement string `yaml:"complement"`
	District   string `yaml:"district"`
	CityCode   string `yaml:"cityCode"`
	CityName   string `yaml:"cityName"`
	PostalCode string `yaml:"postalCode"`
	Phone      string `yaml:"phone"`
}

// CertificateConfig holds identity provider settings
type CertificateConfig struct {
	// Mode determines where the signing identity comes from
	// - "file": password protected archives ({scope}.pfx) in a directory
	// - "pkcs11": key and certificates on a token (A3 certificates)
	Mode string `yaml:"mode"`

	File   FileCertificateConfig `yaml:"file"`
	PKCS11 PKCS11Config          `yaml:"pkcs11"`
}

// FileCertificateConfig holds archive settings
type FileCertificateConfig struct {
	Dir      string `yaml:"dir"`
	Password string `yaml:"password"`
	// Passwords per scope, overriding Password
	Passwords map[string]string `yaml:"passwords"`
}

// PKCS11Config holds PKCS#11 token settings
type PKCS11Config struct {
	// Path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string `yaml:"modulePath"`
	// Slot ID or label to use
	SlotID    *uint  `yaml:"slotId"`
	SlotLabel string `yaml:"slotLabel"`
	// PIN for authentication (can be env var reference like ${TOKEN_PIN})
	PIN string `yaml:"pin"`
	// Key labels (pattern: nfe-{scope})
	KeyLabelPattern string `yaml:"keyLabelPattern"`
}

// TransportConfig holds HTTPS client settings
type TransportConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// PEM file with extra trust anchors, typically the ICP-Brasil roots
	TrustAnchors    string `yaml:"trustAnchors"`
	SkipSystemRoots bool   `yaml:"skipSystemRoots"`
	UserAgent       string `yaml:"userAgent"`
}

// StorageConfig selects the backend
type StorageConfig struct {
	// Type is memory, mongodb, postgres or redis
	Type     string         `yaml:"type"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	GridFS   struct {
		BucketName     string `yaml:"bucketName"`
		ChunkSizeBytes int    `yaml:"chunkSizeBytes"`
	} `yaml:"gridfs"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DistributionConfig bounds distribution runs
type DistributionConfig struct {
	MaxIterations int           `yaml:"maxIterations"`
	MaxResults    int           `yaml:"maxResults"`
	Interval      time.Duration `yaml:"interval"`
	DedupWindow   time.Duration `yaml:"dedupWindow"`
}

// LoggingConfig holds log settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse reads configuration from YAML data
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Company.Environment == "" {
		c.Company.Environment = "homologation"
	}
	if c.Emitter.Series == 0 {
		c.Emitter.Series = 1
	}
	if c.Emitter.TaxRegime == 0 {
		c.Emitter.TaxRegime = document.RegimeSimples
	}
	if c.Certificate.Mode == "" {
		c.Certificate.Mode = "file"
	}
	if c.Certificate.File.Dir == "" {
		c.Certificate.File.Dir = "./certs"
	}
	if c.Certificate.PKCS11.KeyLabelPattern == "" {
		c.Certificate.PKCS11.KeyLabelPattern = keystore.DefaultKeyLabelPattern
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = transport.DefaultTimeout
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "nfe"
	}
	if c.Storage.MongoDB.GridFS.BucketName == "" {
		c.Storage.MongoDB.GridFS.BucketName = "xml"
	}
	if c.Storage.MongoDB.GridFS.ChunkSizeBytes == 0 {
		c.Storage.MongoDB.GridFS.ChunkSizeBytes = 261120 // 255KB
	}
	if c.Distribution.MaxIterations == 0 {
		c.Distribution.MaxIterations = 25
	}
	if c.Distribution.MaxResults == 0 {
		c.Distribution.MaxResults = 500
	}
	if c.Distribution.Interval == 0 {
		c.Distribution.Interval = 2 * time.Second
	}
	if c.Distribution.DedupWindow == 0 {
		c.Distribution.DedupWindow = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Company.TaxID == "" {
		return fmt.Errorf("company.taxId is required")
	}
	if _, err := document.ResolveRegion(c.Company.Region); err != nil {
		return fmt.Errorf("company.region: %w", err)
	}
	if _, err := document.ParseEnvironment(c.Company.Environment); err != nil {
		return fmt.Errorf("company.environment: %w", err)
	}

	switch c.Certificate.Mode {
	case "file", "pkcs11":
		// Valid modes
	default:
		return fmt.Errorf("certificate.mode must be 'file' or 'pkcs11', got '%s'", c.Certificate.Mode)
	}
	if c.Certificate.Mode == "pkcs11" && c.Certificate.PKCS11.ModulePath == "" {
		return fmt.Errorf("certificate.pkcs11.modulePath is required when mode is 'pkcs11'")
	}

	switch c.Storage.Type {
	case "memory":
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required")
		}
	case "postgres":
		if c.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required")
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("storage.redis.address is required")
		}
	default:
		return fmt.Errorf("storage.type must be 'memory', 'mongodb', 'postgres' or 'redis', got '%s'", c.Storage.Type)
	}

	if err := authority.DefaultEndpoints().ApplyAll(c.Endpoints); err != nil {
		return fmt.Errorf("endpoints: %w", err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", c.Logging.Format)
	}
	return nil
}

// Environment returns the parsed company environment.
func (c *Config) Environment() document.Environment {
	env, _ := document.ParseEnvironment(c.Company.Environment)
	return env
}

// Region returns the resolved company region.
func (c *Config) Region() document.Region {
	r, _ := document.ResolveRegion(c.Company.Region)
	return r
}

// EndpointTable returns the built-in endpoints with the overrides applied.
func (c *Config) EndpointTable() (*authority.EndpointTable, error) {
	table := authority.DefaultEndpoints()
	if err := table.ApplyAll(c.Endpoints); err != nil {
		return nil, err
	}
	return table, nil
}

// ProviderConfig returns the identity provider settings.
func (c *Config) ProviderConfig() keystore.ProviderConfig {
	password := keystore.StaticPassword(c.Certificate.File.Password)
	if len(c.Certificate.File.Passwords) > 0 {
		password = keystore.PasswordMap(c.Certificate.File.Passwords)
	}
	return keystore.ProviderConfig{
		Mode:     c.Certificate.Mode,
		Dir:      c.Certificate.File.Dir,
		Password: password,
		PKCS11: keystore.PKCS11Config{
			ModulePath:      c.Certificate.PKCS11.ModulePath,
			SlotID:          c.Certificate.PKCS11.SlotID,
			SlotLabel:       c.Certificate.PKCS11.SlotLabel,
			PIN:             c.Certificate.PKCS11.PIN,
			KeyLabelPattern: c.Certificate.PKCS11.KeyLabelPattern,
		},
	}
}

// HTTPSConfig returns the transport settings, reading the trust anchor
// file when one is configured.
func (c *Config) HTTPSConfig() (*transport.HTTPSConfig, error) {
	cfg := transport.DefaultHTTPSConfig()
	cfg.Timeout = c.Transport.Timeout
	cfg.SkipSystemRoots = c.Transport.SkipSystemRoots
	if c.Transport.UserAgent != "" {
		cfg.UserAgent = c.Transport.UserAgent
	}
	if c.Transport.TrustAnchors != "" {
		pem, err := os.ReadFile(c.Transport.TrustAnchors)
		if err != nil {
			return nil, fmt.Errorf("reading trust anchors: %w", err)
		}
		cfg.ExtraRootsPEM = pem
	}
	return cfg, nil
}

// EmitterProfile returns the issuer profile for document building.
func (c *Config) EmitterProfile() *document.EmitterProfile {
	region := c.Region()
	return &document.EmitterProfile{
		CNPJ:              c.Company.TaxID,
		Name:              c.Emitter.Name,
		TradeName:         c.Emitter.TradeName,
		StateRegistration: c.Emitter.StateRegistration,
		TaxRegime:         c.Emitter.TaxRegime,
		Region:            region.Abbreviation,
		Address: document.Address{
			Street:     c.Emitter.Address.Street,
			Number:     c.Emitter.Address.Number,
			Complement: c.Emitter.Address.Complement,
			District:   c.Emitter.Address.District,
			CityCode:   c.Emitter.Address.CityCode,
			CityName:   c.Emitter.Address.CityName,
			Region:     region.Abbreviation,
			PostalCode: c.Emitter.Address.PostalCode,
			Phone:      c.Emitter.Address.Phone,
		},
	}
}
