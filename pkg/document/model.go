package document

import (
	"fmt"
	"strings"
	"time"
)

// Environment is the tpAmb of a document or request.
type Environment int

const (
	Production   Environment = 1
	Homologation Environment = 2
)

func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Homologation:
		return "homologation"
	default:
		return fmt.Sprintf("Environment(%d)", int(e))
	}
}

// ParseEnvironment accepts "production"/"producao"/"1" and
// "homologation"/"homologacao"/"staging"/"2".
func ParseEnvironment(s string) (Environment, error) {
	switch fold(s) {
	case "1", "production", "producao", "prod":
		return Production, nil
	case "2", "homologation", "homologacao", "staging", "test":
		return Homologation, nil
	default:
		return 0, fmt.Errorf("unknown environment %q", s)
	}
}

// Model is the document model (mod).
type Model int

const (
	ModelNFe  Model = 55
	ModelNFCe Model = 65
)

// ParseModel accepts "55"/"nfe" and "65"/"nfce".
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", ""))) {
	case "55", "nfe":
		return ModelNFe, nil
	case "65", "nfce":
		return ModelNFCe, nil
	default:
		return 0, fmt.Errorf("unknown document model %q", s)
	}
}

// Tax regime codes (CRT).
const (
	RegimeSimples       = 1
	RegimeSimplesExcess = 2
	RegimeNormal        = 3
	RegimeSimplesMEI    = 4
)

const (
	defaultNature = "VENDA"

	// homologationRecipient replaces xNome of the recipient outside production.
	homologationRecipient = "NF-E EMITIDA EM AMBIENTE DE HOMOLOGACAO - SEM VALOR FISCAL"
)

// SimplifiedRegime reports whether crt is one of the Simples Nacional regimes.
func SimplifiedRegime(crt int) bool {
	return crt == RegimeSimples || crt == RegimeSimplesExcess || crt == RegimeSimplesMEI
}

// Address is a Brazilian postal address.
type Address struct {
	Street      string
	Number      string
	Complement  string
	District    string
	CityCode    string // IBGE 7-digit municipality code
	CityName    string
	Region      string // UF abbreviation
	PostalCode  string
	Phone       string
	CountryCode string
	CountryName string
}

// EmitterProfile describes the issuing business.
type EmitterProfile struct {
	CNPJ              string
	Name              string
	TradeName         string
	StateRegistration string
	TaxRegime         int // CRT
	Region            string
	Address           Address
}

// Recipient is the optional counterparty (dest).
type Recipient struct {
	CNPJ              string
	CPF               string
	Name              string
	Email             string
	StateRegistration string
	// IEIndicator is indIEDest: 1 contributor, 2 exempt, 9 non-contributor.
	IEIndicator int
	Address     *Address
}

// TaxID returns whichever of CNPJ or CPF is set.
func (r *Recipient) TaxID() string {
	if r.CNPJ != "" {
		return r.CNPJ
	}
	return r.CPF
}

// Item is a line item (det).
type Item struct {
	Code        string
	Barcode     string
	NoBarcode   bool // barcode explicitly marked absent
	Description string
	NCM         string
	CEST        string
	CFOP        string
	Unit        string
	Quantity    float64
	UnitPrice   float64

	// Taxable unit, quantity and unit price; default to the commercial ones.
	TaxableUnit      string
	TaxableQuantity  float64
	TaxableUnitPrice float64

	Discount float64
	Freight  float64

	Origin     int     // orig
	CSOSN      string  // simplified regime; defaults to 102
	ICMSRate   float64 // standard regime pICMS
	PISRate    float64
	COFINSRate float64
}

// PaymentKind is the raw payment category captured at checkout.
type PaymentKind int

const (
	PayCash PaymentKind = iota + 1
	PayCheck
	PayCard
	PayPix
	PayOther
	PayInstallments
)

// PaymentInput is a raw payment as recorded by the upstream order system.
type PaymentInput struct {
	Kind  PaymentKind
	Label string // free text, e.g. "Cartão de débito", "Boleto 30/60/90"
	Value float64
}

// Installment is one entry of the billing schedule.
type Installment struct {
	Due   time.Time
	Value float64
}

// Freight modes (modFrete).
const (
	FreightByIssuer    = 0
	FreightByRecipient = 1
	FreightByThirdPart = 2
	FreightNone        = 9
)

// Order is the upstream sale/purchase model consumed by the builder.
type Order struct {
	Number        int
	Model         Model
	Inbound       bool // tpNF 0; outbound (1) otherwise
	Nature        string
	IssuedAt      time.Time
	Purpose       int  // finNFe
	Presence      int  // indPres
	FinalConsumer bool // indFinal
	EmissionType  int  // tpEmis

	Recipient    *Recipient
	Items        []Item
	Payments     []PaymentInput
	Installments []Installment

	// FreightMode is modFrete; nil means FreightNone.
	FreightMode    *int
	AdditionalInfo string
}

// withDefaults returns a shallow copy of o with unset header fields filled in.
func (o Order) withDefaults() Order {
	if o.Model == 0 {
		o.Model = ModelNFCe
	}
	o.Nature = strings.TrimSpace(o.Nature)
	if o.Nature == "" {
		o.Nature = defaultNature
	}
	if o.Purpose == 0 {
		o.Purpose = 1
	}
	if o.Presence == 0 {
		o.Presence = 1
	}
	if o.EmissionType == 0 {
		o.EmissionType = 1
	}
	if o.FreightMode == nil {
		mode := FreightNone
		o.FreightMode = &mode
	}
	return o
}

func (o *Order) operationType() int {
	if o.Inbound {
		return 0
	}
	return 1
}
