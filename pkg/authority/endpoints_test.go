package authority

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
)

func TestDefaultEndpoints_Resolve(t *testing.T) {
	table := DefaultEndpoints()

	sp, err := table.Resolve(ServiceAuthorization, document.ModelNFe, 35, document.Production)
	require.NoError(t, err)
	assert.Equal(t, "https://nfe.fazenda.sp.gov.br/ws/nfeautorizacao4.asmx", sp.URL)
	assert.Equal(t, soap.V12, sp.SOAP)

	spNFCe, err := table.Resolve(ServiceAuthorization, document.ModelNFCe, 35, document.Homologation)
	require.NoError(t, err)
	assert.Contains(t, spNFCe.URL, "homologacao.nfce.fazenda.sp.gov.br")

	// Santa Catarina has no own service and falls back to SVRS.
	sc, err := table.Resolve(ServiceAuthorization, document.ModelNFe, 42, document.Homologation)
	require.NoError(t, err)
	assert.Equal(t, "https://nfe-homologacao.svrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx", sc.URL)

	dist, err := table.Resolve(ServiceDistribution, document.ModelNFCe, 35, document.Production)
	require.NoError(t, err)
	assert.Contains(t, dist.URL, "NFeDistribuicaoDFe")

	_, err = NewEndpointTable().Resolve(ServiceAuthorization, document.ModelNFe, 35, document.Production)
	assert.True(t, errors.Is(err, fiscalerr.ErrConfiguration))
}

func TestEndpointTable_Apply(t *testing.T) {
	table := DefaultEndpoints()

	require.NoError(t, table.Apply(Override{
		Service:     "authorization",
		Model:       "55",
		Region:      "Santa Catarina",
		Environment: "homologacao",
		URL:         "https://sc.example/ws",
		SOAP:        "1.1",
	}))
	ep, err := table.Resolve(ServiceAuthorization, document.ModelNFe, 42, document.Homologation)
	require.NoError(t, err)
	assert.Equal(t, Endpoint{URL: "https://sc.example/ws", SOAP: soap.V11}, ep)

	require.NoError(t, table.Apply(Override{
		Service:     "distribution",
		Environment: "production",
		URL:         "https://an.example/dist",
	}))
	ep, err = table.Resolve(ServiceDistribution, 0, 35, document.Production)
	require.NoError(t, err)
	assert.Equal(t, "https://an.example/dist", ep.URL)

	bad := []Override{
		{Service: "query", Environment: "1", URL: "https://x"},
		{Service: "authorization", Model: "57", Environment: "1", URL: "https://x"},
		{Service: "authorization", Model: "55", Region: "XX", Environment: "1", URL: "https://x"},
		{Service: "authorization", Model: "55", Environment: "nope", URL: "https://x"},
		{Service: "authorization", Model: "55", Environment: "1", URL: "http://x"},
		{Service: "authorization", Model: "55", Environment: "1", URL: "https://x", SOAP: "2.0"},
	}
	for _, o := range bad {
		err := table.Apply(o)
		assert.True(t, errors.Is(err, fiscalerr.ErrConfiguration), "%+v: %v", o, err)
	}
}

func TestService_Action(t *testing.T) {
	assert.Equal(t, "http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4", ServiceAuthorization.Namespace())
	assert.Contains(t, ServiceAuthorization.Action(), "nfeAutorizacaoLote")
	assert.Contains(t, ServiceDistribution.Action(), "nfeDistDFeInteresse")
}
