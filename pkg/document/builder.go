package document

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

// Namespace is the NF-e portal namespace.
const Namespace = "http://www.portalfiscal.inf.br/nfe"

// LayoutVersion is the versao attribute of infNFe.
const LayoutVersion = "4.00"

const dateTimeLayout = "2006-01-02T15:04:05-07:00"

// Totals are the computed ICMSTot values.
type Totals struct {
	Products float64 // vProd
	Discount float64 // vDesc
	Freight  float64 // vFrete
	ICMSBase float64 // vBC
	ICMS     float64 // vICMS
	PIS      float64 // vPIS
	COFINS   float64 // vCOFINS
	Net      float64 // vNF
}

// BuildResult is the output of Builder.Build.
type BuildResult struct {
	XML       []byte
	AccessKey AccessKey
	Payments  []Payment
	Change    float64
	Totals    Totals
	IssuedAt  time.Time
}

// Builder converts orders into unsigned NF-e/NFC-e XML.
//
// A Builder is safe for concurrent use once constructed.
type Builder struct {
	random     func() (int, error)
	clock      func() time.Time
	appVersion string
	logger     *slog.Logger
}

// Option configures a Builder
type Option func(*Builder)

// WithRandomComponent fixes the 8-digit cNF, making builds deterministic.
func WithRandomComponent(cnf int) Option {
	return func(b *Builder) {
		b.random = func() (int, error) { return cnf, nil }
	}
}

// WithClock sets the time source used when an order has no issue date.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) {
		b.clock = clock
	}
}

// WithApplicationVersion sets verProc.
func WithApplicationVersion(v string) Option {
	return func(b *Builder) {
		b.appVersion = v
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a Builder
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		random:     randomComponent,
		clock:      time.Now,
		appVersion: "go-nfe 1.0",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func randomComponent() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

// itemLine is an item with its derived values.
type itemLine struct {
	Item
	total        float64
	taxableUnit  string
	taxableQty   float64
	taxablePrice float64
	icmsBase     float64
	icms         float64
	pisBase      float64
	pis          float64
	cofins       float64
}

// Build validates order and serializes it. All validation happens before
// the access key is derived, so a ValidationError never costs a cNF.
func (b *Builder) Build(order *Order, emitter *EmitterProfile, series int, env Environment) (*BuildResult, error) {
	if order == nil || emitter == nil {
		return nil, fiscalerr.Validation("", "order and emitter profile are required")
	}
	if env != Production && env != Homologation {
		return nil, fiscalerr.Configuration("environment", fmt.Sprintf("invalid environment %d", env))
	}

	o := order.withDefaults()
	if err := validateHeader(&o, emitter, series); err != nil {
		return nil, err
	}
	region, err := ResolveRegion(emitter.Region)
	if err != nil {
		return nil, err
	}

	simplified := SimplifiedRegime(emitter.TaxRegime)
	lines, totals := computeLines(o.Items, simplified)

	payments := AggregatePayments(o.Payments)
	if err := validatePayments(payments, o.Installments, totals.Net); err != nil {
		return nil, err
	}
	change := Change(payments, totals.Net)

	issued := o.IssuedAt
	if issued.IsZero() {
		issued = b.clock()
	}
	issued = issued.Truncate(time.Second)

	cnf, err := b.nextRandom(o.Number)
	if err != nil {
		return nil, err
	}
	key, err := NewAccessKey(KeyFields{
		Region:       region.Code,
		IssuedAt:     issued,
		CNPJ:         emitter.CNPJ,
		Model:        o.Model,
		Series:       series,
		Number:       o.Number,
		EmissionType: o.EmissionType,
		Random:       cnf,
	})
	if err != nil {
		return nil, err
	}

	w := &writer{
		order:      &o,
		emitter:    emitter,
		region:     region,
		series:     series,
		env:        env,
		key:        key,
		issued:     issued,
		lines:      lines,
		totals:     totals,
		payments:   payments,
		change:     change,
		simplified: simplified,
		appVersion: b.appVersion,
	}
	xml, err := w.document().WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing document: %w", err)
	}

	b.logger.Debug("document built",
		"access_key", string(key),
		"model", int(o.Model),
		"items", len(lines),
		"net", totals.Net,
		"payments", len(payments))

	return &BuildResult{
		XML:       xml,
		AccessKey: key,
		Payments:  payments,
		Change:    change,
		Totals:    totals,
		IssuedAt:  issued,
	}, nil
}

// nextRandom draws a cNF that differs from the document number.
func (b *Builder) nextRandom(number int) (int, error) {
	for i := 0; i < 8; i++ {
		n, err := b.random()
		if err != nil {
			return 0, fmt.Errorf("generating random component: %w", err)
		}
		if n != number%100000000 {
			return n, nil
		}
	}
	return 0, fiscalerr.Validation("cNF", "random component must differ from the document number")
}

func computeLines(items []Item, simplified bool) ([]itemLine, Totals) {
	var t Totals
	lines := make([]itemLine, 0, len(items))

	for _, it := range items {
		l := itemLine{Item: it}
		l.total = round2(it.Quantity * it.UnitPrice)

		l.taxableUnit = it.TaxableUnit
		if l.taxableUnit == "" {
			l.taxableUnit = it.Unit
		}
		l.taxableQty = it.TaxableQuantity
		if l.taxableQty <= 0 {
			l.taxableQty = it.Quantity
		}
		l.taxablePrice = it.TaxableUnitPrice
		if l.taxablePrice <= 0 {
			l.taxablePrice = it.UnitPrice
		}
		if round2(l.taxableQty*l.taxablePrice) != l.total {
			l.taxablePrice = l.total / l.taxableQty
		}

		discount := round2(it.Discount)
		freight := round2(it.Freight)
		l.pisBase = round2(l.total - discount)
		if !simplified {
			l.icmsBase = round2(l.total - discount + freight)
			l.icms = round2(l.icmsBase * it.ICMSRate / 100)
			l.pis = round2(l.pisBase * it.PISRate / 100)
			l.cofins = round2(l.pisBase * it.COFINSRate / 100)
		}

		t.Products += l.total
		t.Discount += discount
		t.Freight += freight
		t.ICMSBase += l.icmsBase
		t.ICMS += l.icms
		t.PIS += l.pis
		t.COFINS += l.cofins
		lines = append(lines, l)
	}

	t.Products = round2(t.Products)
	t.Discount = round2(t.Discount)
	t.Freight = round2(t.Freight)
	t.ICMSBase = round2(t.ICMSBase)
	t.ICMS = round2(t.ICMS)
	t.PIS = round2(t.PIS)
	t.COFINS = round2(t.COFINS)
	t.Net = round2(t.Products - t.Discount + t.Freight)
	return lines, t
}

// writer serializes one document.
type writer struct {
	order      *Order
	emitter    *EmitterProfile
	region     Region
	series     int
	env        Environment
	key        AccessKey
	issued     time.Time
	lines      []itemLine
	totals     Totals
	payments   []Payment
	change     float64
	simplified bool
	appVersion string
}

func (w *writer) document() *etree.Document {
	doc := etree.NewDocument()
	nfe := doc.CreateElement("NFe")
	nfe.CreateAttr("xmlns", Namespace)

	inf := nfe.CreateElement("infNFe")
	inf.CreateAttr("Id", "NFe"+string(w.key))
	inf.CreateAttr("versao", LayoutVersion)

	w.ide(inf)
	w.emit(inf)
	w.dest(inf)
	for i := range w.lines {
		w.det(inf, i)
	}
	w.total(inf)
	transp := inf.CreateElement("transp")
	text(transp, "modFrete", strconv.Itoa(*w.order.FreightMode))
	w.cobr(inf)
	w.pag(inf)
	if w.order.AdditionalInfo != "" {
		adic := inf.CreateElement("infAdic")
		text(adic, "infCpl", w.order.AdditionalInfo)
	}
	return doc
}

func (w *writer) ide(parent *etree.Element) {
	o := w.order
	ide := parent.CreateElement("ide")
	text(ide, "cUF", strconv.Itoa(w.region.Code))
	text(ide, "cNF", fmt.Sprintf("%08d", w.key.Random()))
	text(ide, "natOp", o.Nature)
	text(ide, "mod", strconv.Itoa(int(o.Model)))
	text(ide, "serie", strconv.Itoa(w.series))
	text(ide, "nNF", strconv.Itoa(o.Number))
	text(ide, "dhEmi", w.issued.Format(dateTimeLayout))
	if o.Model == ModelNFe {
		text(ide, "dhSaiEnt", w.issued.Format(dateTimeLayout))
	}
	text(ide, "tpNF", strconv.Itoa(o.operationType()))
	text(ide, "idDest", strconv.Itoa(w.destinationScope()))
	text(ide, "cMunFG", w.emitter.Address.CityCode)
	if o.Model == ModelNFCe {
		text(ide, "tpImp", "4")
	} else {
		text(ide, "tpImp", "1")
	}
	text(ide, "tpEmis", strconv.Itoa(o.EmissionType))
	text(ide, "cDV", strconv.Itoa(w.key.CheckDigit()))
	text(ide, "tpAmb", strconv.Itoa(int(w.env)))
	text(ide, "finNFe", strconv.Itoa(o.Purpose))
	text(ide, "indFinal", boolDigit(o.FinalConsumer || o.Model == ModelNFCe))
	text(ide, "indPres", strconv.Itoa(o.Presence))
	text(ide, "procEmi", "0")
	text(ide, "verProc", w.appVersion)
}

// destinationScope is idDest: 1 internal, 2 interstate.
func (w *writer) destinationScope() int {
	r := w.order.Recipient
	if r == nil || r.Address == nil || r.Address.Region == "" {
		return 1
	}
	dest, err := ResolveRegion(r.Address.Region)
	if err != nil || dest.Code == w.region.Code {
		return 1
	}
	return 2
}

func (w *writer) emit(parent *etree.Element) {
	e := w.emitter
	emit := parent.CreateElement("emit")
	text(emit, "CNPJ", onlyDigits(e.CNPJ))
	text(emit, "xNome", e.Name)
	if e.TradeName != "" {
		text(emit, "xFant", e.TradeName)
	}
	address(emit, "enderEmit", &e.Address, w.region.Abbreviation)
	text(emit, "IE", e.StateRegistration)
	text(emit, "CRT", strconv.Itoa(e.TaxRegime))
}

func (w *writer) dest(parent *etree.Element) {
	r := w.order.Recipient
	if r == nil {
		return
	}
	dest := parent.CreateElement("dest")
	if r.CNPJ != "" {
		text(dest, "CNPJ", onlyDigits(r.CNPJ))
	} else if r.CPF != "" {
		text(dest, "CPF", onlyDigits(r.CPF))
	}
	name := r.Name
	if w.env == Homologation {
		name = homologationRecipient
	}
	if name != "" {
		text(dest, "xNome", name)
	}
	if r.Address != nil {
		address(dest, "enderDest", r.Address, r.Address.Region)
	}
	ind := r.IEIndicator
	if ind == 0 {
		ind = 9
	}
	text(dest, "indIEDest", strconv.Itoa(ind))
	if ind == 1 && r.StateRegistration != "" {
		text(dest, "IE", r.StateRegistration)
	}
	if r.Email != "" {
		text(dest, "email", r.Email)
	}
}

func (w *writer) det(parent *etree.Element, i int) {
	l := w.lines[i]
	det := parent.CreateElement("det")
	det.CreateAttr("nItem", strconv.Itoa(i+1))

	prod := det.CreateElement("prod")
	text(prod, "cProd", l.Code)
	gtin := GTIN(l.Barcode, l.NoBarcode)
	text(prod, "cEAN", gtin)
	text(prod, "xProd", l.Description)
	text(prod, "NCM", onlyDigits(l.NCM))
	if l.CEST != "" {
		text(prod, "CEST", onlyDigits(l.CEST))
	}
	text(prod, "CFOP", onlyDigits(l.CFOP))
	text(prod, "uCom", l.Unit)
	text(prod, "qCom", quantity(l.Quantity))
	text(prod, "vUnCom", unitPrice(l.UnitPrice))
	text(prod, "vProd", money(l.total))
	text(prod, "cEANTrib", gtin)
	text(prod, "uTrib", l.taxableUnit)
	text(prod, "qTrib", quantity(l.taxableQty))
	text(prod, "vUnTrib", unitPrice(l.taxablePrice))
	if l.Freight > 0 {
		text(prod, "vFrete", money(l.Freight))
	}
	if l.Discount > 0 {
		text(prod, "vDesc", money(l.Discount))
	}
	text(prod, "indTot", "1")

	imposto := det.CreateElement("imposto")
	icms := imposto.CreateElement("ICMS")
	if w.simplified {
		csosn := l.CSOSN
		if csosn == "" {
			csosn = "102"
		}
		g := icms.CreateElement("ICMSSN102")
		text(g, "orig", strconv.Itoa(l.Origin))
		text(g, "CSOSN", csosn)
	} else {
		g := icms.CreateElement("ICMS00")
		text(g, "orig", strconv.Itoa(l.Origin))
		text(g, "CST", "00")
		text(g, "modBC", "3")
		text(g, "vBC", money(l.icmsBase))
		text(g, "pICMS", rate(l.ICMSRate))
		text(g, "vICMS", money(l.icms))
	}

	contribution(imposto, "PIS", w.simplified, l.pisBase, l.PISRate, l.pis)
	contribution(imposto, "COFINS", w.simplified, l.pisBase, l.COFINSRate, l.cofins)
}

// contribution writes the PIS or COFINS group.
func contribution(parent *etree.Element, name string, simplified bool, base, pct, value float64) {
	group := parent.CreateElement(name)
	if simplified {
		nt := group.CreateElement(name + "NT")
		text(nt, "CST", "07")
		return
	}
	aliq := group.CreateElement(name + "Aliq")
	text(aliq, "CST", "01")
	text(aliq, "vBC", money(base))
	text(aliq, "p"+name, rate(pct))
	text(aliq, "v"+name, money(value))
}

func (w *writer) total(parent *etree.Element) {
	t := w.totals
	tot := parent.CreateElement("total").CreateElement("ICMSTot")
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"vBC", t.ICMSBase},
		{"vICMS", t.ICMS},
		{"vICMSDeson", 0},
		{"vFCP", 0},
		{"vBCST", 0},
		{"vST", 0},
		{"vFCPST", 0},
		{"vFCPSTRet", 0},
		{"vProd", t.Products},
		{"vFrete", t.Freight},
		{"vSeg", 0},
		{"vDesc", t.Discount},
		{"vII", 0},
		{"vIPI", 0},
		{"vIPIDevol", 0},
		{"vPIS", t.PIS},
		{"vCOFINS", t.COFINS},
		{"vOutro", 0},
		{"vNF", t.Net},
	} {
		text(tot, f.name, money(f.value))
	}
}

func (w *writer) cobr(parent *etree.Element) {
	inst := w.order.Installments
	if len(inst) == 0 {
		return
	}
	var sum float64
	for _, in := range inst {
		sum += in.Value
	}

	cobr := parent.CreateElement("cobr")
	fat := cobr.CreateElement("fat")
	text(fat, "nFat", strconv.Itoa(w.order.Number))
	text(fat, "vOrig", money(sum))
	text(fat, "vDesc", money(0))
	text(fat, "vLiq", money(sum))
	for i, in := range inst {
		dup := cobr.CreateElement("dup")
		text(dup, "nDup", fmt.Sprintf("%03d", i+1))
		text(dup, "dVenc", in.Due.Format("2006-01-02"))
		text(dup, "vDup", money(in.Value))
	}
}

func (w *writer) pag(parent *etree.Element) {
	pag := parent.CreateElement("pag")
	for _, p := range w.payments {
		det := pag.CreateElement("detPag")
		if p.Code != PaymentNone {
			text(det, "indPag", boolDigit(p.Term))
		}
		text(det, "tPag", p.Code)
		if p.Code == PaymentOther {
			label := p.Label
			if label == "" {
				label = "Outros"
			}
			text(det, "xPag", label)
		}
		text(det, "vPag", money(p.Value))
		if p.IsCard() {
			card := det.CreateElement("card")
			text(card, "tpIntegra", "2")
		}
	}
	if w.change > 0 {
		text(pag, "vTroco", money(w.change))
	}
}

func address(parent *etree.Element, name string, a *Address, region string) {
	el := parent.CreateElement(name)
	text(el, "xLgr", a.Street)
	text(el, "nro", a.Number)
	if a.Complement != "" {
		text(el, "xCpl", a.Complement)
	}
	text(el, "xBairro", a.District)
	text(el, "cMun", a.CityCode)
	text(el, "xMun", a.CityName)
	text(el, "UF", region)
	if a.PostalCode != "" {
		text(el, "CEP", onlyDigits(a.PostalCode))
	}
	country, countryName := a.CountryCode, a.CountryName
	if country == "" {
		country, countryName = "1058", "BRASIL"
	}
	text(el, "cPais", country)
	text(el, "xPais", countryName)
	if a.Phone != "" {
		text(el, "fone", onlyDigits(a.Phone))
	}
}

func text(parent *etree.Element, name, value string) *etree.Element {
	el := parent.CreateElement(name)
	el.SetText(value)
	return el
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
