package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-nfe/pkg/authority"
	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
)

const minimal = `
company:
  taxId: "12345678000195"
  region: SP
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, document.Homologation, cfg.Environment())
	assert.Equal(t, 35, cfg.Region().Code)
	assert.Equal(t, "file", cfg.Certificate.Mode)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 45*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 25, cfg.Distribution.MaxIterations)
	assert.Equal(t, 500, cfg.Distribution.MaxResults)
	assert.Equal(t, 1, cfg.Emitter.Series)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParse_EnvironmentExpansion(t *testing.T) {
	t.Setenv("NFE_TEST_PASSWORD", "s3cret")
	t.Setenv("NFE_TEST_DB", "postgres://nfe@localhost/nfe")

	cfg, err := Parse([]byte(minimal + `
certificate:
  file:
    dir: /etc/nfe/certs
    password: ${NFE_TEST_PASSWORD}
storage:
  type: postgres
  postgres:
    url: ${NFE_TEST_DB}
`))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Certificate.File.Password)
	assert.Equal(t, "postgres://nfe@localhost/nfe", cfg.Storage.Postgres.URL)

	password, err := cfg.ProviderConfig().Password(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", password)
}

func TestParse_Endpoints(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
endpoints:
  - service: authorization
    model: nfce
    region: SP
    environment: homologation
    url: https://nfce-proxy.example/ws
    soap: "1.1"
`))
	require.NoError(t, err)

	table, err := cfg.EndpointTable()
	require.NoError(t, err)
	ep, err := table.Resolve(authority.ServiceAuthorization, document.ModelNFCe, 35, document.Homologation)
	require.NoError(t, err)
	assert.Equal(t, "https://nfce-proxy.example/ws", ep.URL)
	assert.Equal(t, soap.V11, ep.SOAP)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]struct {
		yaml string
		want string
	}{
		"missing tax id":   {"company:\n  region: SP\n", "company.taxId"},
		"bad region":       {"company:\n  taxId: \"1\"\n  region: XX\n", "company.region"},
		"bad environment":  {minimal + "  environment: staging-2\n", "company.environment"},
		"bad mode":         {minimal + "certificate:\n  mode: prf\n", "certificate.mode"},
		"pkcs11 no module": {minimal + "certificate:\n  mode: pkcs11\n", "modulePath"},
		"mongodb no uri":   {minimal + "storage:\n  type: mongodb\n", "storage.mongodb.uri"},
		"redis no address": {minimal + "storage:\n  type: redis\n", "storage.redis.address"},
		"unknown storage":  {minimal + "storage:\n  type: sqlite\n", "storage.type"},
		"bad endpoint":     {minimal + "endpoints:\n  - service: authorization\n    model: nfe\n    environment: production\n    url: http://plain\n", "endpoints"},
		"bad log format":   {minimal + "logging:\n  format: xml\n", "logging.format"},
		"not yaml":         {"company: [", "parsing config file"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	anchors := filepath.Join(dir, "anchors.pem")
	require.NoError(t, os.WriteFile(anchors, []byte("-----BEGIN CERTIFICATE-----\n"), 0o600))

	path := filepath.Join(dir, "nfe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal+`
transport:
  timeout: 10s
  trustAnchors: `+anchors+`
  userAgent: loja/2.0
emitter:
  name: LOJA TESTE LTDA
  stateRegistration: "111222333444"
  address:
    street: Rua A
    cityCode: "3550308"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	https, err := cfg.HTTPSConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, https.Timeout)
	assert.Equal(t, "loja/2.0", https.UserAgent)
	assert.NotEmpty(t, https.ExtraRootsPEM)

	profile := cfg.EmitterProfile()
	assert.Equal(t, "12345678000195", profile.CNPJ)
	assert.Equal(t, "SP", profile.Region)
	assert.Equal(t, "SP", profile.Address.Region)
	assert.Equal(t, "3550308", profile.Address.CityCode)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
