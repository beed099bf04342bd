package document

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

var brt = time.FixedZone("BRT", -3*3600)

func testEmitter(regime int) *EmitterProfile {
	return &EmitterProfile{
		CNPJ:              "12345678000195",
		Name:              "LOJA TESTE LTDA",
		TradeName:         "Loja & Cia",
		StateRegistration: "123456789012",
		TaxRegime:         regime,
		Region:            "SP",
		Address: Address{
			Street:     "Rua das Flores",
			Number:     "100",
			District:   "Centro",
			CityCode:   "3550308",
			CityName:   "São Paulo",
			PostalCode: "01001-000",
		},
	}
}

func testOrder(payments ...PaymentInput) *Order {
	return &Order{
		Number:   42,
		Model:    ModelNFCe,
		IssuedAt: time.Date(2024, 5, 10, 14, 30, 0, 0, brt),
		Items: []Item{
			{
				Code:        "P001",
				Barcode:     "7891234567895",
				Description: "Café <torrado> & moído",
				NCM:         "0901.21.00",
				CFOP:        "5102",
				Unit:        "UN",
				Quantity:    2,
				UnitPrice:   15.5,
			},
			{
				Code:        "P002",
				Description: "Pão de queijo",
				NCM:         "19059090",
				CFOP:        "5102",
				Unit:        "KG",
				Quantity:    0.75,
				UnitPrice:   23.80,
				Discount:    0.35,
			},
		},
		Payments: payments,
	}
}

func parse(t *testing.T, xml []byte) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(xml))
	return doc.Root()
}

func findText(root *etree.Element, path string) string {
	el := root.FindElement(path)
	if el == nil {
		return ""
	}
	return el.Text()
}

func TestBuild_SingleCashPayment(t *testing.T) {
	b := NewBuilder(WithRandomComponent(12345678))
	// 2 × 15.50 + 0.75 × 23.80 − 0.35 = 31.00 + 17.85 − 0.35 = 48.50
	res, err := b.Build(testOrder(PaymentInput{Kind: PayCash, Value: 48.50}), testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)

	assert.Equal(t, []Payment{{Code: PaymentCash, Value: 48.50}}, res.Payments)
	assert.Equal(t, 48.50, res.Totals.Net)
	assert.Zero(t, res.Change)
	require.NoError(t, res.AccessKey.Validate())

	root := parse(t, res.XML)
	assert.Equal(t, "NFe", root.Tag)
	assert.Equal(t, Namespace, root.SelectAttrValue("xmlns", ""))

	inf := root.SelectElement("infNFe")
	require.NotNil(t, inf)
	assert.Equal(t, "NFe"+string(res.AccessKey), inf.SelectAttrValue("Id", ""))
	assert.Equal(t, "4.00", inf.SelectAttrValue("versao", ""))

	assert.Nil(t, inf.SelectElement("cobr"), "no billing block without installments")
	dets := inf.FindElements("pag/detPag")
	require.Len(t, dets, 1)
	assert.Equal(t, "0", findText(dets[0], "indPag"))
	assert.Equal(t, "01", findText(dets[0], "tPag"))
	assert.Equal(t, "48.50", findText(dets[0], "vPag"))

	assert.Equal(t, "35", findText(inf, "ide/cUF"))
	assert.Equal(t, "12345678", findText(inf, "ide/cNF"))
	assert.Equal(t, "65", findText(inf, "ide/mod"))
	assert.Equal(t, "2024-05-10T14:30:00-03:00", findText(inf, "ide/dhEmi"))
	assert.Equal(t, "2", findText(inf, "ide/tpAmb"))
	assert.Equal(t, "4", findText(inf, "ide/tpImp"))
	assert.Equal(t, string(res.AccessKey[43:]), findText(inf, "ide/cDV"))

	assert.Equal(t, "48.50", findText(inf, "total/ICMSTot/vNF"))
	assert.Equal(t, "48.85", findText(inf, "total/ICMSTot/vProd"))
	assert.Equal(t, "0.35", findText(inf, "total/ICMSTot/vDesc"))
}

func TestBuild_EscapesTextOnce(t *testing.T) {
	b := NewBuilder(WithRandomComponent(1))
	res, err := b.Build(testOrder(PaymentInput{Kind: PayCash, Value: 48.50}), testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)

	assert.Contains(t, string(res.XML), "Café &lt;torrado&gt; &amp; moído")
	assert.Contains(t, string(res.XML), "Loja &amp; Cia")
	assert.NotContains(t, string(res.XML), "&amp;amp;")

	root := parse(t, res.XML)
	assert.Equal(t, "Café <torrado> & moído", findText(root, "infNFe/det/prod/xProd"))
}

func TestBuild_BankSlipInstallments(t *testing.T) {
	order := testOrder(PaymentInput{Kind: PayOther, Label: "Boleto", Value: 48.50})
	order.Installments = []Installment{
		{Due: time.Date(2024, 6, 10, 0, 0, 0, 0, brt), Value: 16.17},
		{Due: time.Date(2024, 7, 10, 0, 0, 0, 0, brt), Value: 16.17},
		{Due: time.Date(2024, 8, 10, 0, 0, 0, 0, brt), Value: 16.16},
	}

	res, err := NewBuilder(WithRandomComponent(5)).Build(order, testEmitter(RegimeSimples), 1, Production)
	require.NoError(t, err)

	assert.Equal(t, []Payment{{Code: PaymentBankSlip, Term: true, Value: 48.50, Label: "Boleto"}}, res.Payments)

	inf := parse(t, res.XML).SelectElement("infNFe")
	dets := inf.FindElements("pag/detPag")
	require.Len(t, dets, 1)
	assert.Equal(t, "1", findText(dets[0], "indPag"))
	assert.Equal(t, "15", findText(dets[0], "tPag"))

	cobr := inf.SelectElement("cobr")
	require.NotNil(t, cobr)
	assert.Equal(t, "48.50", findText(cobr, "fat/vOrig"))
	dups := cobr.SelectElements("dup")
	require.Len(t, dups, 3)
	for i, want := range []struct{ n, due, value string }{
		{"001", "2024-06-10", "16.17"},
		{"002", "2024-07-10", "16.17"},
		{"003", "2024-08-10", "16.16"},
	} {
		assert.Equal(t, want.n, findText(dups[i], "nDup"))
		assert.Equal(t, want.due, findText(dups[i], "dVenc"))
		assert.Equal(t, want.value, findText(dups[i], "vDup"))
	}

	// cobr precedes pag in the layout
	assert.Less(t, cobr.Index(), inf.SelectElement("pag").Index())
}

func TestBuild_InstallmentTolerance(t *testing.T) {
	build := func(values ...float64) error {
		order := testOrder(PaymentInput{Kind: PayOther, Label: "boleto", Value: 48.50})
		for i, v := range values {
			order.Installments = append(order.Installments, Installment{
				Due:   time.Date(2024, time.Month(6+i), 1, 0, 0, 0, 0, brt),
				Value: v,
			})
		}
		_, err := NewBuilder(WithRandomComponent(5)).Build(order, testEmitter(RegimeSimples), 1, Homologation)
		return err
	}

	assert.NoError(t, build(48.50))
	assert.NoError(t, build(24.25, 24.245), "half a cent short is accepted")
	assert.NoError(t, build(24.25, 24.255), "half a cent over is accepted")

	for _, values := range [][]float64{{48.49}, {48.51}, {24.25, 24.26}, {40}} {
		err := build(values...)
		require.Error(t, err, values)
		assert.True(t, errors.Is(err, fiscalerr.ErrValidation), values)
	}
}

func TestBuild_TermWithoutSchedule(t *testing.T) {
	order := testOrder(PaymentInput{Kind: PayOther, Label: "Boleto", Value: 48.50})
	_, err := NewBuilder().Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.Error(t, err)

	var verr *fiscalerr.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "cobr", verr.Field)
}

func TestBuild_ScheduleWithSingleCashEntry(t *testing.T) {
	order := testOrder(PaymentInput{Kind: PayCash, Value: 48.50})
	order.Installments = []Installment{{Due: time.Date(2024, 6, 1, 0, 0, 0, 0, brt), Value: 48.50}}

	_, err := NewBuilder().Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fiscalerr.ErrValidation))
}

func TestBuild_Deterministic(t *testing.T) {
	b := NewBuilder(WithRandomComponent(87654321))
	order := testOrder(PaymentInput{Kind: PayPix, Value: 48.50})

	first, err := b.Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)
	second, err := b.Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)

	assert.Equal(t, first.AccessKey, second.AccessKey)
	assert.True(t, bytes.Equal(first.XML, second.XML))
}

func TestBuild_DeterministicExceptTimestamps(t *testing.T) {
	order := testOrder(PaymentInput{Kind: PayPix, Value: 48.50})
	order.IssuedAt = time.Time{}

	clock := time.Date(2024, 5, 10, 9, 0, 0, 0, brt)
	b := NewBuilder(WithRandomComponent(87654321), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))

	first, err := b.Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)
	second, err := b.Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)

	strip := func(xml []byte) string {
		root := parse(t, xml)
		root.FindElement("infNFe/ide/dhEmi").SetText("")
		d := etree.NewDocument()
		d.SetRoot(root.Copy())
		s, err := d.WriteToString()
		require.NoError(t, err)
		return s
	}
	assert.Equal(t, strip(first.XML), strip(second.XML))
	assert.NotEqual(t, string(first.XML), string(second.XML))
}

func TestBuild_RegimeBlocks(t *testing.T) {
	order := testOrder(PaymentInput{Kind: PayCash, Value: 48.50})

	simple, err := NewBuilder(WithRandomComponent(1)).Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)
	det := parse(t, simple.XML).FindElement("infNFe/det")
	assert.Equal(t, "102", findText(det, "imposto/ICMS/ICMSSN102/CSOSN"))
	assert.Equal(t, "07", findText(det, "imposto/PIS/PISNT/CST"))
	assert.Equal(t, "07", findText(det, "imposto/COFINS/COFINSNT/CST"))
	assert.Nil(t, det.FindElement("imposto/ICMS/ICMS00"))

	order.Items[0].ICMSRate = 18
	order.Items[0].PISRate = 1.65
	order.Items[0].COFINSRate = 7.6
	normal, err := NewBuilder(WithRandomComponent(1)).Build(order, testEmitter(RegimeNormal), 1, Homologation)
	require.NoError(t, err)
	det = parse(t, normal.XML).FindElement("infNFe/det")
	assert.Equal(t, "00", findText(det, "imposto/ICMS/ICMS00/CST"))
	assert.Equal(t, "31.00", findText(det, "imposto/ICMS/ICMS00/vBC"))
	assert.Equal(t, "18.00", findText(det, "imposto/ICMS/ICMS00/pICMS"))
	assert.Equal(t, "5.58", findText(det, "imposto/ICMS/ICMS00/vICMS"))
	assert.Equal(t, "0.51", findText(det, "imposto/PIS/PISAliq/vPIS"))
	assert.Equal(t, "2.36", findText(det, "imposto/COFINS/COFINSAliq/vCOFINS"))
	assert.Equal(t, 5.58, normal.Totals.ICMS)
}

func TestBuild_GTINAndTaxableReconciliation(t *testing.T) {
	order := testOrder(PaymentInput{Kind: PayCash, Value: 48.50})
	order.Items[1].TaxableUnit = "UN"
	order.Items[1].TaxableQuantity = 4
	order.Items[1].TaxableUnitPrice = 4.5

	res, err := NewBuilder(WithRandomComponent(1)).Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)
	dets := parse(t, res.XML).FindElements("infNFe/det")
	require.Len(t, dets, 2)

	assert.Equal(t, "7891234567895", findText(dets[0], "prod/cEAN"))
	assert.Equal(t, NoGTIN, findText(dets[1], "prod/cEAN"))
	assert.Equal(t, NoGTIN, findText(dets[1], "prod/cEANTrib"))

	// 4 × 4.50 = 18.00 differs from 17.85, so vUnTrib becomes 17.85 / 4
	assert.Equal(t, "17.85", findText(dets[1], "prod/vProd"))
	assert.Equal(t, "4.0000", findText(dets[1], "prod/qTrib"))
	assert.Equal(t, "4.4625", findText(dets[1], "prod/vUnTrib"))
	assert.Equal(t, "23.80", findText(dets[1], "prod/vUnCom"))
}

func TestBuild_RecipientInHomologation(t *testing.T) {
	order := testOrder(PaymentInput{Kind: PayCash, Value: 50})
	order.Recipient = &Recipient{CPF: "529.982.247-25", Name: "Maria"}

	res, err := NewBuilder(WithRandomComponent(1)).Build(order, testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)
	inf := parse(t, res.XML).SelectElement("infNFe")
	assert.Equal(t, "52998224725", findText(inf, "dest/CPF"))
	assert.Equal(t, homologationRecipient, findText(inf, "dest/xNome"))
	assert.Equal(t, "9", findText(inf, "dest/indIEDest"))
	assert.Equal(t, "1.50", findText(inf, "pag/vTroco"))
	assert.Equal(t, 1.5, res.Change)
}

func TestBuild_NoPaymentAndCards(t *testing.T) {
	res, err := NewBuilder(WithRandomComponent(1)).Build(testOrder(), testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)
	dets := parse(t, res.XML).FindElements("infNFe/pag/detPag")
	require.Len(t, dets, 1)
	assert.Equal(t, "90", findText(dets[0], "tPag"))
	assert.Equal(t, "0.00", findText(dets[0], "vPag"))

	res, err = NewBuilder(WithRandomComponent(1)).Build(testOrder(
		PaymentInput{Kind: PayCard, Label: "Crédito Visa", Value: 40},
		PaymentInput{Kind: PayOther, Label: "Permuta", Value: 8.5},
	), testEmitter(RegimeSimples), 1, Homologation)
	require.NoError(t, err)
	dets = parse(t, res.XML).FindElements("infNFe/pag/detPag")
	require.Len(t, dets, 2)
	assert.Equal(t, "03", findText(dets[0], "tPag"))
	assert.Equal(t, "2", findText(dets[0], "card/tpIntegra"))
	assert.Equal(t, "99", findText(dets[1], "tPag"))
	assert.Equal(t, "Permuta", findText(dets[1], "xPag"))
}

func TestBuild_ValidationBeforeKey(t *testing.T) {
	calls := 0
	b := NewBuilder()
	b.random = func() (int, error) {
		calls++
		return 1, nil
	}

	tests := map[string]func(o *Order, e *EmitterProfile, series *int){
		"bad cnpj":        func(o *Order, e *EmitterProfile, s *int) { e.CNPJ = "12345678000100" },
		"series":          func(o *Order, e *EmitterProfile, s *int) { *s = 1000 },
		"number":          func(o *Order, e *EmitterProfile, s *int) { o.Number = 0 },
		"model":           func(o *Order, e *EmitterProfile, s *int) { o.Model = 57 },
		"no items":        func(o *Order, e *EmitterProfile, s *int) { o.Items = nil },
		"bad cpf":         func(o *Order, e *EmitterProfile, s *int) { o.Recipient = &Recipient{CPF: "12345678900"} },
		"nfe needs dest":  func(o *Order, e *EmitterProfile, s *int) { o.Model = ModelNFe },
		"unknown region":  func(o *Order, e *EmitterProfile, s *int) { e.Region = "ZZ" },
		"bad ncm":         func(o *Order, e *EmitterProfile, s *int) { o.Items[0].NCM = "123" },
		"negative amount": func(o *Order, e *EmitterProfile, s *int) { o.Payments = []PaymentInput{{Kind: PayCash, Value: -1}} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			order := testOrder(PaymentInput{Kind: PayCash, Value: 48.50})
			emitter := testEmitter(RegimeSimples)
			series := 1
			mutate(order, emitter, &series)

			_, err := b.Build(order, emitter, series, Homologation)
			require.Error(t, err)
			assert.True(t, errors.Is(err, fiscalerr.ErrValidation), err.Error())
		})
	}
	assert.Zero(t, calls)
}

func TestBuild_RandomCollision(t *testing.T) {
	_, err := NewBuilder(WithRandomComponent(42)).Build(testOrder(PaymentInput{Kind: PayCash, Value: 48.50}), testEmitter(RegimeSimples), 1, Homologation)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fiscalerr.ErrValidation))
}

func TestParseEnvironment(t *testing.T) {
	for in, want := range map[string]Environment{
		"production": Production, "1": Production, "Produção": Production,
		"homologation": Homologation, "staging": Homologation, "2": Homologation,
	} {
		got, err := ParseEnvironment(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseEnvironment("qa")
	assert.Error(t, err)
}
