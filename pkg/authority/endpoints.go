package authority

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirosfoundation/go-nfe/pkg/document"
	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/soap"
)

// Service identifies a web service.
type Service string

const (
	ServiceAuthorization Service = "NFeAutorizacao4"
	ServiceDistribution  Service = "NFeDistribuicaoDFe"
)

// Action returns the SOAP action of the service's single operation.
func (s Service) Action() string {
	switch s {
	case ServiceAuthorization:
		return "http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4/nfeAutorizacaoLote"
	case ServiceDistribution:
		return "http://www.portalfiscal.inf.br/nfe/wsdl/NFeDistribuicaoDFe/nfeDistDFeInteresse"
	}
	return ""
}

// Namespace returns the WSDL namespace of the nfeDadosMsg element.
func (s Service) Namespace() string {
	return "http://www.portalfiscal.inf.br/nfe/wsdl/" + string(s)
}

// Endpoint is where and how to call a service.
type Endpoint struct {
	URL  string
	SOAP soap.Version
}

// DefaultRegion keys the fallback entries (SVRS for authorization, the
// national environment for distribution).
const DefaultRegion = 0

// EndpointKey identifies a table entry. Distribution ignores the model.
type EndpointKey struct {
	Service     Service
	Model       document.Model
	Region      int
	Environment document.Environment
}

// EndpointTable maps keys to endpoints. It is safe for concurrent use.
type EndpointTable struct {
	mu      sync.RWMutex
	entries map[EndpointKey]Endpoint
}

// NewEndpointTable returns an empty table.
func NewEndpointTable() *EndpointTable {
	return &EndpointTable{entries: make(map[EndpointKey]Endpoint)}
}

// Register sets or replaces an entry.
func (t *EndpointTable) Register(key EndpointKey, ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key.Service == ServiceDistribution {
		key.Model = 0
	}
	t.entries[key] = ep
}

// Resolve returns the entry for the region, or the default entry of the
// same service, model and environment.
func (t *EndpointTable) Resolve(service Service, model document.Model, region int, env document.Environment) (Endpoint, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if service == ServiceDistribution {
		model = 0
	}
	key := EndpointKey{Service: service, Model: model, Region: region, Environment: env}
	if ep, ok := t.entries[key]; ok {
		return ep, nil
	}
	key.Region = DefaultRegion
	if ep, ok := t.entries[key]; ok {
		return ep, nil
	}
	return Endpoint{}, fiscalerr.Configuration("endpoint",
		fmt.Sprintf("no %s endpoint for model %d, region %d, %s", service, model, region, env))
}

// Override is an operator supplied entry, as read from configuration.
type Override struct {
	Service     string `yaml:"service"`     // "authorization" or "distribution"
	Model       string `yaml:"model"`       // "55", "65"; ignored for distribution
	Region      string `yaml:"region"`      // code, abbreviation or name; "" for the default
	Environment string `yaml:"environment"` // "production" or "homologation"
	URL         string `yaml:"url"`
	SOAP        string `yaml:"soap"` // "1.1" or "1.2" (default)
}

// Apply registers o, replacing any built-in entry.
func (t *EndpointTable) Apply(o Override) error {
	var key EndpointKey
	switch strings.ToLower(o.Service) {
	case "authorization", "autorizacao", strings.ToLower(string(ServiceAuthorization)):
		key.Service = ServiceAuthorization
		model, err := document.ParseModel(o.Model)
		if err != nil {
			return fiscalerr.Configuration("endpoints.model", err.Error())
		}
		key.Model = model
	case "distribution", "distribuicao", strings.ToLower(string(ServiceDistribution)):
		key.Service = ServiceDistribution
	default:
		return fiscalerr.Configuration("endpoints.service", "unknown service "+strconv.Quote(o.Service))
	}

	if o.Region != "" && o.Region != "*" {
		r, err := document.ResolveRegion(o.Region)
		if err != nil {
			return fiscalerr.Configuration("endpoints.region", err.Error())
		}
		key.Region = r.Code
	}
	env, err := document.ParseEnvironment(o.Environment)
	if err != nil {
		return fiscalerr.Configuration("endpoints.environment", err.Error())
	}
	key.Environment = env

	if !strings.HasPrefix(o.URL, "https://") {
		return fiscalerr.Configuration("endpoints.url", "an https URL is required")
	}
	ep := Endpoint{URL: o.URL, SOAP: soap.V12}
	switch o.SOAP {
	case "", "1.2":
	case "1.1":
		ep.SOAP = soap.V11
	default:
		return fiscalerr.Configuration("endpoints.soap", "unknown SOAP version "+strconv.Quote(o.SOAP))
	}

	t.Register(key, ep)
	return nil
}

// ApplyAll applies overrides in order, stopping at the first invalid one.
func (t *EndpointTable) ApplyAll(overrides []Override) error {
	for i, o := range overrides {
		if err := t.Apply(o); err != nil {
			return fmt.Errorf("override %d: %w", i, err)
		}
	}
	return nil
}

type builtin struct {
	model      document.Model
	region     string
	production string
	homolog    string
}

// authorizationEndpoints lists the states running their own authorization
// service. Everything else is served by SVRS (region "").
var authorizationEndpoints = []builtin{
	{document.ModelNFe, "", "https://nfe.svrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx", "https://nfe-homologacao.svrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx"},
	{document.ModelNFe, "AM", "https://nfe.sefaz.am.gov.br/services2/services/NfeAutorizacao4", "https://homnfe.sefaz.am.gov.br/services2/services/NfeAutorizacao4"},
	{document.ModelNFe, "BA", "https://nfe.sefaz.ba.gov.br/webservices/NFeAutorizacao4/NFeAutorizacao4.asmx", "https://hnfe.sefaz.ba.gov.br/webservices/NFeAutorizacao4/NFeAutorizacao4.asmx"},
	{document.ModelNFe, "GO", "https://nfe.sefaz.go.gov.br/nfe/services/NFeAutorizacao4", "https://homolog.sefaz.go.gov.br/nfe/services/NFeAutorizacao4"},
	{document.ModelNFe, "MG", "https://nfe.fazenda.mg.gov.br/nfe2/services/NFeAutorizacao4", "https://hnfe.fazenda.mg.gov.br/nfe2/services/NFeAutorizacao4"},
	{document.ModelNFe, "MS", "https://nfe.sefaz.ms.gov.br/ws/NFeAutorizacao4", "https://hom.nfe.sefaz.ms.gov.br/ws/NFeAutorizacao4"},
	{document.ModelNFe, "MT", "https://nfe.sefaz.mt.gov.br/nfews/v2/services/NfeAutorizacao4", "https://homologacao.sefaz.mt.gov.br/nfews/v2/services/NfeAutorizacao4"},
	{document.ModelNFe, "PE", "https://nfe.sefaz.pe.gov.br/nfe-service/services/NFeAutorizacao4", "https://nfehomolog.sefaz.pe.gov.br/nfe-service/services/NFeAutorizacao4"},
	{document.ModelNFe, "PR", "https://nfe.sefa.pr.gov.br/nfe/NFeAutorizacao4", "https://homologacao.nfe.sefa.pr.gov.br/nfe/NFeAutorizacao4"},
	{document.ModelNFe, "RS", "https://nfe.sefazrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx", "https://nfe-homologacao.sefazrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx"},
	{document.ModelNFe, "SP", "https://nfe.fazenda.sp.gov.br/ws/nfeautorizacao4.asmx", "https://homologacao.nfe.fazenda.sp.gov.br/ws/nfeautorizacao4.asmx"},

	{document.ModelNFCe, "", "https://nfce.svrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx", "https://nfce-homologacao.svrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx"},
	{document.ModelNFCe, "MG", "https://nfce.fazenda.mg.gov.br/nfce/services/NFeAutorizacao4", "https://hnfce.fazenda.mg.gov.br/nfce/services/NFeAutorizacao4"},
	{document.ModelNFCe, "PR", "https://nfce.sefa.pr.gov.br/nfce/NFeAutorizacao4", "https://homologacao.nfce.sefa.pr.gov.br/nfce/NFeAutorizacao4"},
	{document.ModelNFCe, "RS", "https://nfce.sefazrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx", "https://nfce-homologacao.sefazrs.rs.gov.br/ws/NfeAutorizacao/NFeAutorizacao4.asmx"},
	{document.ModelNFCe, "SP", "https://nfce.fazenda.sp.gov.br/ws/NFeAutorizacao4.asmx", "https://homologacao.nfce.fazenda.sp.gov.br/ws/NFeAutorizacao4.asmx"},
}

const (
	distributionProduction   = "https://www1.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx"
	distributionHomologation = "https://hom1.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx"
)

// DefaultEndpoints returns a table with the built-in entries.
func DefaultEndpoints() *EndpointTable {
	t := NewEndpointTable()
	for _, b := range authorizationEndpoints {
		region := DefaultRegion
		if b.region != "" {
			r, err := document.ResolveRegion(b.region)
			if err != nil {
				panic("authority: bad built-in region " + b.region)
			}
			region = r.Code
		}
		t.Register(EndpointKey{ServiceAuthorization, b.model, region, document.Production}, Endpoint{URL: b.production, SOAP: soap.V12})
		t.Register(EndpointKey{ServiceAuthorization, b.model, region, document.Homologation}, Endpoint{URL: b.homolog, SOAP: soap.V12})
	}
	t.Register(EndpointKey{Service: ServiceDistribution, Region: DefaultRegion, Environment: document.Production},
		Endpoint{URL: distributionProduction, SOAP: soap.V12})
	t.Register(EndpointKey{Service: ServiceDistribution, Region: DefaultRegion, Environment: document.Homologation},
		Endpoint{URL: distributionHomologation, SOAP: soap.V12})
	return t
}
